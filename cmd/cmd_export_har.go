package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/packetmind/interceptor"
)

func newExportHARCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-har",
		Short: "Export archived transactions as HAR",
		Long: `Export every transaction in the SQLite archive as a HAR 1.2 document.

The archive defaults to archive.dsn from the config file.`,
		Args: cobra.NoArgs,
		RunE: runExportHAR,
	}
	cmd.Flags().String("dsn", "", "archive database (overrides archive.dsn)")
	cmd.Flags().StringP("output", "o", "-", "output file, - for stdout")
	cmd.Flags().Bool("favorites", false, "export only favorited transactions")
	return cmd
}

func runExportHAR(cmd *cobra.Command, _ []string) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := interceptor.LoadConfig(configPath)
		if err != nil {
			return err
		}
		dsn = cfg.Archive.DSN
	}

	archive, err := interceptor.OpenArchive(dsn, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	txs, err := archive.Load(cmd.Context())
	if err != nil {
		return err
	}
	if favs, _ := cmd.Flags().GetBool("favorites"); favs {
		store := interceptor.NewStore()
		store.Restore(txs)
		txs = store.Favorites()
	}

	var w io.Writer = cmd.OutOrStdout()
	output, _ := cmd.Flags().GetString("output")
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	if _, err := io.WriteString(w, interceptor.ExportHAR(txs)+"\n"); err != nil {
		return fmt.Errorf("write HAR: %w", err)
	}
	if output != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d transactions to %s\n", len(txs), output)
	}
	return nil
}
