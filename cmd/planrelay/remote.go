package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/planrelay/internal/apiclient"
	"github.com/agentworkforce/planrelay/internal/config"
)

// Remote commands talk to a running server through the HTTP surface.

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("base-url", os.Getenv(config.EnvPrefix+"BASE_URL"), "Server base URL")
	cmd.Flags().String("token", os.Getenv(config.EnvPrefix+"TOKEN"), "Bearer token for dashboard and admin routes")
}

func remoteClient(cmd *cobra.Command) *apiclient.Client {
	baseURL, _ := cmd.Flags().GetString("base-url")
	token, _ := cmd.Flags().GetString("token")
	return apiclient.New(baseURL, token, nil)
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <reference-id>",
		Short: "Show the public status of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := remoteClient(cmd)
			detailed, _ := cmd.Flags().GetBool("detail")
			if detailed {
				detail, err := client.Detail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), detail)
			}
			view, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	addRemoteFlags(cmd)
	cmd.Flags().Bool("detail", false, "Show tasks and lifecycle logs (needs dashboard:read)")
	return cmd
}

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a plan payload from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			var (
				payload []byte
				err     error
			)
			if path == "" || path == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			if strings.TrimSpace(string(payload)) == "" {
				return fmt.Errorf("empty payload")
			}
			ref, err := remoteClient(cmd).Submit(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}
	addRemoteFlags(cmd)
	cmd.Flags().StringP("file", "f", "", "Payload JSON file (- or empty reads stdin)")
	return cmd
}

func newTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "trigger process-pending|retry-failed",
		Short:     "Ask a running server to dispatch pending or failed submissions",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"process-pending", "retry-failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := remoteClient(cmd)
			var (
				n   int
				err error
			)
			switch args[0] {
			case "process-pending":
				n, err = client.ProcessPending(cmd.Context())
			case "retry-failed":
				n, err = client.RetryFailed(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued=%d\n", n)
			return nil
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
