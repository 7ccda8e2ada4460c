package commands

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/server/api"
)

// NewCancelCommand builds the cancel command. Cancellation only makes
// sense against a running server: locally submitted jobs are cancelled
// with Ctrl-C.
func NewCancelCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:     "cancel <job-id>",
		Short:   "Cancel a job on a running codelens server",
		GroupID: "jobs",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			base := serverURL
			if base == "" {
				cfg := configFromCommand(cmd).Server
				host := cfg.Addr
				if host == "" {
					host = "127.0.0.1"
				}
				base = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
			}

			client := resty.New().
				SetBaseURL(base).
				SetTimeout(15*time.Second).
				SetHeader(api.OrgHeader, orgFromCommand(cmd))

			var apiErr api.ErrorResponse
			resp, err := client.R().
				SetContext(cmd.Context()).
				SetError(&apiErr).
				Delete("/api/v1/jobs/" + jobID)
			if err != nil {
				return fmt.Errorf("reach server at %s: %w", base, err)
			}
			if resp.IsError() {
				if apiErr.Message != "" {
					return fmt.Errorf("cancel %s: %s", jobID, apiErr.Message)
				}
				return fmt.Errorf("cancel %s: server returned %s", jobID, resp.Status())
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (default from config)")
	return cmd
}
