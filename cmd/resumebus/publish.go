package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/resumebus"
)

func newPublishCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <target> <type> [data]",
		Short: "Publish an event",
		Long: `Publish an event to the service bound under <target>.

[data] is a JSON object sent as the envelope's data. The broker drops the
event if no service is bound under <target>.

Examples:
  resumebus publish RESUME_SERVICE RESUME_UPLOADED '{"resumeId":"r-1","userId":"u-1"}'
  resumebus publish RESUME_SERVICE RESUME_DELETED '{"resumeId":"r-1"}'`,
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

			client, err := resumebus.NewClientWithOptions(cfg.RabbitMQ.ConnectionURL(),
				resumebus.WithExchange(cfg.RabbitMQ.Exchange),
				resumebus.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(cmd.Context(), args[0], args[1], data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", args[1], args[0])
			return nil
		},
	}

	return cmd
}
