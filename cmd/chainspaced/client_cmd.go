package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/rpc"
)

const clientTimeout = 10 * time.Second

func dialDaemon(ctx context.Context, v *viper.Viper) (*rpc.Client, error) {
	target := strings.TrimSpace(v.GetString("server"))
	client, err := rpc.Dial(ctx, target, rpc.ClientOptions{HandshakeTimeout: clientTimeout})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return client, nil
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			client, err := dialDaemon(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()
			var st api.StatusResponse
			if err := client.Call(ctx, api.MethodStatus, nil, &st); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	return cmd
}

func printStatus(w io.Writer, output string, st api.StatusResponse) error {
	switch output {
	case "", "text":
		holepunch := "no"
		if st.Holepunchable {
			holepunch = "yes"
		}
		_, err := fmt.Fprintf(w,
			"version:        %s (api %s)\nnode:           %s\nremote address: %s\nholepunchable:  %s\nsessions:       %s\nopen chains:    %s\n",
			st.Version, st.APIVersion, st.NodeID, st.RemoteAddress, holepunch,
			humanize.Comma(int64(st.Sessions)), humanize.Comma(int64(st.Chains)),
		)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		return yaml.NewEncoder(w).Encode(st)
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", output)
	}
}

func newStopCommand(v *viper.Viper) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			client, err := dialDaemon(ctx, v)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Call(ctx, api.MethodStop, nil, nil); err != nil {
				return err
			}
			if wait {
				select {
				case <-client.Done():
				case <-ctx.Done():
					return fmt.Errorf("daemon still running: %w", ctx.Err())
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the daemon drops the connection")
	return cmd
}
