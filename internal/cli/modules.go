package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// NewModulesCommand creates the modules command group.
func NewModulesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List, install and uninstall authorization modules",
	}
	cmd.AddCommand(newModulesListCommand(opts))
	cmd.AddCommand(newModulesInstallCommand(opts))
	cmd.AddCommand(newModulesUninstallCommand(opts))
	return cmd
}

func newModulesListCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID int64
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed authorization modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			path := chainPath(chainID, "modules")
			if refresh {
				path += "?" + url.Values{"refresh": {"true"}}.Encode()
			}
			var resp struct {
				ChainID int64                       `json:"chainId"`
				Modules []types.AuthorizationModule `json:"modules"`
			}
			if err := r.client.Do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) {
				if len(resp.Modules) == 0 {
					fmt.Fprintln(w, "no modules installed (account not deployed?)")
					return
				}
				for _, m := range resp.Modules {
					fmt.Fprintf(w, "%-8s %-20s %s\n", m.Type, m.Name, m.Address)
				}
			})
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "query the chain instead of the cache")
	return cmd
}

func newModulesInstallCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID  int64
		initData string
	)
	cmd := &cobra.Command{
		Use:   "install <module-address>",
		Short: "Install a validator module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var receipt types.Receipt
			err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "modules"), api.InstallModuleRequest{
				Address:  args[0],
				InitData: initData,
			}, &receipt)
			if err != nil {
				return err
			}
			return r.print(receipt, func(w io.Writer) { printReceipt(w, &receipt) })
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().StringVar(&initData, "init-data", "0x", "hex init data passed to onInstall")
	return cmd
}

func newModulesUninstallCommand(opts *RootOptions) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   "uninstall <module-address>",
		Short: "Uninstall a validator module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var receipt types.Receipt
			path := chainPath(chainID, "modules/"+url.PathEscape(args[0]))
			if err := r.client.Do(cmd.Context(), http.MethodDelete, path, nil, &receipt); err != nil {
				return err
			}
			return r.print(receipt, func(w io.Writer) { printReceipt(w, &receipt) })
		},
	}
	addChainFlag(cmd, &chainID)
	return cmd
}

// NewPasskeyCommand creates the passkey command.
func NewPasskeyCommand(opts *RootOptions) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   "passkey",
		Short: "Register a passkey and install the passkey validator",
		Long: `Register a passkey and install the passkey validator.

Open the server's /webauthn page in a browser first; the ceremony runs there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for the passkey ceremony at %s/webauthn\n", r.client.baseURL)
			var reg app.PasskeyRegistration
			if err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "passkey"), nil, &reg); err != nil {
				return err
			}
			return r.print(reg, func(w io.Writer) {
				fmt.Fprintf(w, "credential: %s\n", reg.Material.AuthenticatorID)
				printReceipt(w, reg.Receipt)
			})
		},
	}
	addChainFlag(cmd, &chainID)
	return cmd
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Enable Smart Sessions for the wallet's session key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var enabled app.SessionEnablement
			if err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "sessions"), nil, &enabled); err != nil {
				return err
			}
			return r.print(enabled, func(w io.Writer) {
				fmt.Fprintf(w, "session signer: %s\n", enabled.SessionSigner)
				fmt.Fprintf(w, "permission ID:  %s\n", enabled.PermissionID)
				printReceipt(w, enabled.Receipt)
			})
		},
	}
	addChainFlag(cmd, &chainID)
	return cmd
}

func printReceipt(w io.Writer, receipt *types.Receipt) {
	if receipt == nil {
		return
	}
	status := "success"
	if !receipt.Success {
		status = "reverted"
		if receipt.Reason != "" {
			status += ": " + receipt.Reason
		}
	}
	fmt.Fprintf(w, "userOp:      %s\n", receipt.UserOpHash)
	fmt.Fprintf(w, "transaction: %s\n", receipt.TransactionHash)
	fmt.Fprintf(w, "block:       %d\n", receipt.BlockNumber)
	fmt.Fprintf(w, "status:      %s\n", status)
}
