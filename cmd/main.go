// Command interceptor runs the intercepting proxy and its helper tools.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/packetmind/interceptor"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "interceptor",
		Short:         "Intercepting HTTP proxy with capture, filtering and rules",
		Version:       interceptor.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "config file (default: ./interceptor.yaml, ~/.interceptor/, /etc/interceptor/)")

	root.AddCommand(
		newServeCmd(),
		newGenConfigCmd(),
		newExportHARCmd(),
		newEncodeCmd(),
		newDecodeCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
