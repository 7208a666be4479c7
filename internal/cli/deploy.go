package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// NewDeployCommand creates the deploy command.
func NewDeployCommand(opts *RootOptions) *cobra.Command {
	var (
		chains []int64
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the smart account or show deployment status",
		Long: `Deploy the smart account on the given chains, or on every configured
chain when --chain is omitted. With --list only the cached status is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var resp struct {
				Deployments []types.DeploymentStatus `json:"deployments"`
			}
			var err error
			if list {
				err = r.client.Do(cmd.Context(), http.MethodGet, "/v1/deployments?refresh=true", nil, &resp)
			} else {
				err = r.client.Do(cmd.Context(), http.MethodPost, "/v1/deployments", api.DeployRequest{ChainIDs: chains}, &resp)
			}
			if err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) {
				for _, d := range resp.Deployments {
					state := "not deployed"
					switch {
					case d.Error != "":
						state = "error: " + d.Error
					case d.IsDeployed:
						state = "deployed"
					}
					fmt.Fprintf(w, "%-10d %-18s %-44s %s\n", d.ChainID, d.ChainName, d.Address, state)
				}
			})
		},
	}
	cmd.Flags().Int64SliceVar(&chains, "chain", nil, "chain IDs to deploy on")
	cmd.Flags().BoolVar(&list, "list", false, "only show deployment status")
	return cmd
}
