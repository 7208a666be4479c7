package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
)

// Environment variables read for flag defaults.
const (
	EnvServer = "SESSION_WALLET_SERVER"
	EnvToken  = "SESSION_WALLET_TOKEN"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Token   string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the walletctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "walletctl",
		Short: "Control a local session wallet",
		Long: `walletctl drives a running session-wallet server.

Commands that need an unlocked session prompt for the wallet password and
log in first, unless a token is given with --token or ` + EnvToken + `.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	server := os.Getenv(EnvServer)
	if server == "" {
		server = "http://127.0.0.1:7420"
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "wallet server URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv(EnvToken), "session token from a previous login")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewAddressCommand(opts))
	cmd.AddCommand(NewModulesCommand(opts))
	cmd.AddCommand(NewPasskeyCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTransferCommand(opts))
	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))

	return cmd
}

// runner carries what every command needs for one invocation.
type runner struct {
	opts     *RootOptions
	client   *Client
	prompter *Prompter
	out      io.Writer
}

func newRunner(cmd *cobra.Command, opts *RootOptions) *runner {
	return &runner{
		opts:     opts,
		client:   NewClient(opts.Server, opts.Token, opts.Timeout),
		prompter: NewPrompter(cmd.InOrStdin(), cmd.ErrOrStderr()),
		out:      cmd.OutOrStdout(),
	}
}

// authenticate logs in with a prompted password unless a token was given.
func (r *runner) authenticate(ctx context.Context) error {
	if r.client.Token() != "" {
		return nil
	}
	password, err := r.prompter.Password("Wallet password")
	if err != nil {
		return err
	}
	_, err = r.login(ctx, password)
	return err
}

func (r *runner) login(ctx context.Context, password string) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := r.client.Do(ctx, http.MethodPost, "/v1/session/login", api.LoginRequest{Password: password}, &resp); err != nil {
		return nil, err
	}
	r.client.SetToken(resp.Token)
	return &resp, nil
}

// print writes v as JSON, or calls text for the text format.
func (r *runner) print(v any, text func(w io.Writer)) error {
	if r.opts.Format == "json" || text == nil {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(r.out)
	return nil
}

func chainPath(chainID int64, suffix string) string {
	return fmt.Sprintf("/v1/chains/%d/%s", chainID, suffix)
}

func addChainFlag(cmd *cobra.Command, chainID *int64) {
	cmd.Flags().Int64Var(chainID, "chain", 0, "chain ID")
	_ = cmd.MarkFlagRequired("chain")
}
