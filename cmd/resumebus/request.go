package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/resumebus"
)

func newRequestCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request <queue> <type> [data]",
		Short: "Send an RPC request and print the reply",
		Long: `Send an RPC request to the service answering on <queue> and print its
JSON reply.

Examples:
  resumebus request RESUME_RPC ping
  resumebus request RESUME_RPC echo '{"message":"Hello RPC!"}'
  resumebus request RESUME_RPC GET_RESUME_STATUS '{"resumeId":"r-1"}' --timeout 5s`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[2:])
			if err != nil {
				return err
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.RabbitMQ.RequestTimeout
			}

			client, err := resumebus.NewClientWithOptions(cfg.RabbitMQ.ConnectionURL(),
				resumebus.WithExchange(cfg.RabbitMQ.Exchange),
				resumebus.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Request(cmd.Context(), args[0], args[1], data, timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd, reply)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default RPC_REQUEST_TIMEOUT)")

	return cmd
}

// parseData returns the optional JSON data argument. Without one the
// envelope carries an empty object.
func parseData(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	data := json.RawMessage(args[0])
	if !json.Valid(data) {
		return nil, errors.New("data must be valid JSON")
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, body []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("format reply: %w", err)
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(cmd.OutOrStdout())
	return err
}
