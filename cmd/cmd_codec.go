package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packetmind/interceptor"
)

var ErrUnknownCodec = errors.New("unknown codec")

func newEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "encode {base64|url} [text]",
		Short:     "Encode text as base64 or URL-escaped",
		Long:      "Encode text as base64 or URL-escaped. Reads stdin when text is omitted.",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"base64", "url"},
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := codecInput(cmd, args)
			if err != nil {
				return err
			}
			var out string
			switch args[0] {
			case "base64":
				out = interceptor.EncodeBase64(in)
			case "url":
				out = interceptor.EncodeURL(in)
			default:
				return fmt.Errorf("%w: %q", ErrUnknownCodec, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "decode {base64|url} [text]",
		Short:     "Decode base64 or URL-escaped text",
		Long:      "Decode base64 or URL-escaped text. Reads stdin when text is omitted.",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"base64", "url"},
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := codecInput(cmd, args)
			if err != nil {
				return err
			}
			var out string
			switch args[0] {
			case "base64":
				if out, err = interceptor.DecodeBase64(in); err != nil {
					return err
				}
			case "url":
				out = interceptor.DecodeURL(in)
			default:
				return fmt.Errorf("%w: %q", ErrUnknownCodec, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

// codecInput returns the text argument, or stdin without its trailing
// newline.
func codecInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
