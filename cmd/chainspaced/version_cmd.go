package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/chainspace/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the chainspaced version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if short {
				_, err := fmt.Fprintln(out, version.Current())
				return err
			}
			switch output {
			case "", "text":
				_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
				return err
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(version.Describe())
			case "yaml":
				return yaml.NewEncoder(out).Encode(version.Describe())
			default:
				return fmt.Errorf("unknown output format %q (text, json, yaml)", output)
			}
		},
	}
	cmd.Flags().BoolVar(&short, "version", false, "print only the version string")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	cmd.MarkFlagsMutuallyExclusive("version", "output")
	return cmd
}
