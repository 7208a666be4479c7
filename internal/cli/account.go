package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/internal/registry"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether an account exists and the session is unlocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			var st app.Status
			if err := r.client.Do(cmd.Context(), http.MethodGet, "/v1/status", nil, &st); err != nil {
				return err
			}
			return r.print(st, func(w io.Writer) {
				fmt.Fprintf(w, "account:  %t\n", st.HasAccount)
				fmt.Fprintf(w, "unlocked: %t\n", st.Authenticated)
				if st.Owner != "" {
					fmt.Fprintf(w, "owner:    %s\n", st.Owner)
				}
				printNetworks(w, st.Networks)
			})
		},
	}
}

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new account with a fresh owner key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			current, err := r.currentPassword(replace)
			if err != nil {
				return err
			}
			password, confirm, err := r.prompter.NewPassword()
			if err != nil {
				return err
			}
			var resp api.SessionResponse
			err = r.client.Do(cmd.Context(), http.MethodPost, "/v1/account", api.CreateAccountRequest{
				Password:        password,
				ConfirmPassword: confirm,
				ReplaceExisting: replace,
				CurrentPassword: current,
			}, &resp)
			if err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) { printSession(w, &resp) })
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing account, destroying access to its key")
	return cmd
}

// currentPassword asks for the password of the account about to be
// replaced. A session token already proves ownership.
func (r *runner) currentPassword(replace bool) (string, error) {
	if !replace || r.client.Token() != "" {
		return "", nil
	}
	return r.prompter.Password("Current wallet password")
}

// NewLoginCommand creates the login command.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Unlock the wallet and print a session token",
		Long: `Unlock the wallet and print a session token.

Export the token as ` + EnvToken + ` to run further commands without a
password prompt. Logging in again ends every earlier token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			password, err := r.prompter.Password("Wallet password")
			if err != nil {
				return err
			}
			resp, err := r.login(cmd.Context(), password)
			if err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) { printSession(w, resp) })
		},
	}
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Lock the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			if err := r.client.Do(cmd.Context(), http.MethodPost, "/v1/session/logout", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "locked")
			return nil
		},
	}
}

// NewAddressCommand creates the address command.
func NewAddressCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID int64
		qr      bool
		pngPath string
		pngSize int
	)
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Show the smart account address, optionally as a QR code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			address, err := r.accountAddress(cmd.Context(), chainID)
			if err != nil {
				return err
			}

			if pngPath != "" {
				if err := qrcode.WriteFile(address, qrcode.Medium, pngSize, pngPath); err != nil {
					return fmt.Errorf("failed to write QR code: %w", err)
				}
			}
			if !qr {
				return r.print(map[string]string{"address": address}, func(w io.Writer) { fmt.Fprintln(w, address) })
			}
			art, err := RenderQR(address)
			if err != nil {
				return err
			}
			fmt.Fprint(r.out, art)
			fmt.Fprintln(r.out, address)
			return nil
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().BoolVar(&qr, "qr", false, "render the address as a terminal QR code")
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR code as a PNG file")
	cmd.Flags().IntVar(&pngSize, "png-size", 256, "PNG edge length in pixels")
	return cmd
}

// accountAddress reads the account address for chainID from the unlocked
// session.
func (r *runner) accountAddress(ctx context.Context, chainID int64) (string, error) {
	if err := r.authenticate(ctx); err != nil {
		return "", err
	}
	var st app.Status
	if err := r.client.Do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return "", err
	}
	for _, n := range st.Networks {
		if n.ChainID != chainID {
			continue
		}
		if n.Address == "" {
			return "", fmt.Errorf("chain %d is not ready: %s", chainID, n.Error)
		}
		return n.Address, nil
	}
	return "", fmt.Errorf("chain %d is not configured on the server", chainID)
}

// RenderQR returns content as a QR code drawn with block characters.
func RenderQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	return q.ToString(false), nil
}

func printSession(w io.Writer, s *api.SessionResponse) {
	fmt.Fprintf(w, "owner:   %s\n", s.Owner)
	fmt.Fprintf(w, "token:   %s\n", s.Token)
	fmt.Fprintf(w, "expires: %s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	printNetworks(w, s.Networks)
}

func printNetworks(w io.Writer, networks []registry.NetworkStatus) {
	for _, n := range networks {
		state := "ready"
		if !n.Ready {
			state = "unavailable: " + n.Error
		}
		fmt.Fprintf(w, "  %-10d %-18s %-44s %s\n", n.ChainID, n.Name, n.Address, state)
	}
}
