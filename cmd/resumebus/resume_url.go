package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/resumebus"
	"github.com/glimte/resumebus/internal/resume"
)

func newResumeURLCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume-url <user-id>",
		Short: "Ask the user service for a user's resume URL",
		Long: `Send GET_USER_RESUME to the user service's RPC queue (USER_RPC) and print
the URL of the user's resume.

Examples:
  resumebus resume-url 6651f0c2a1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			users := resume.NewUserClient(client.RPC(), cfg.User.RPCQueue,
				resume.WithRequestTimeout(cfg.RabbitMQ.RequestTimeout),
				resume.WithUserClientLogger(logger),
			)
			url, err := users.ResumeURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}
