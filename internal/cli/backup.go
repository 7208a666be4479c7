package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
)

// NewBackupCommand creates the backup command group.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore a threshold backup of the owner key",
	}
	cmd.AddCommand(newBackupExportCommand(opts))
	cmd.AddCommand(newBackupRestoreCommand(opts))
	return cmd
}

func newBackupExportCommand(opts *RootOptions) *cobra.Command {
	var (
		req     api.ExportBackupRequest
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Split the owner key into Shamir shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			password, err := r.prompter.Password("Wallet password")
			if err != nil {
				return err
			}
			if r.client.Token() == "" {
				if _, err := r.login(cmd.Context(), password); err != nil {
					return err
				}
			}
			req.Password = password

			var backup app.Backup
			if err := r.client.Do(cmd.Context(), http.MethodPost, "/v1/backup/export", req, &backup); err != nil {
				return err
			}
			if outPath == "" {
				return r.print(backup, nil)
			}
			raw, err := json.MarshalIndent(backup, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, raw, 0o600); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
			fmt.Fprintf(r.out, "wrote %d of %d shares for %s to %s\n", backup.Threshold, backup.TotalShares, backup.Address, outPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&req.Threshold, "threshold", 2, "shares needed to restore")
	cmd.Flags().IntVar(&req.TotalShares, "shares", 3, "shares to create")
	cmd.Flags().StringVar(&req.RecipientPublicKey, "recipient-key", "", "base64 P-256 public key to seal each share to")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the backup to a file (mode 0600)")
	return cmd
}

func newBackupRestoreCommand(opts *RootOptions) *cobra.Command {
	var (
		inPath     string
		privateKey string
		replace    bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild the owner key from shares and store it under a new password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			raw, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("failed to read backup: %w", err)
			}
			var backup app.Backup
			if err := json.Unmarshal(raw, &backup); err != nil {
				return fmt.Errorf("invalid backup file: %w", err)
			}

			current, err := r.currentPassword(replace)
			if err != nil {
				return err
			}
			password, confirm, err := r.prompter.NewPassword()
			if err != nil {
				return err
			}
			var resp api.SessionResponse
			err = r.client.Do(cmd.Context(), http.MethodPost, "/v1/backup/restore", api.RestoreBackupRequest{
				Shares:              backup.Shares,
				RecipientPrivateKey: privateKey,
				Address:             backup.Address,
				Password:            password,
				ConfirmPassword:     confirm,
				ReplaceExisting:     replace,
				CurrentPassword:     current,
			}, &resp)
			if err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) { printSession(w, &resp) })
		},
	}
	cmd.Flags().StringVarP(&inPath, "file", "f", "", "backup file holding at least the threshold of shares")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&privateKey, "recipient-private-key", "", "base64 P-256 private key for sealed shares")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing account")
	return cmd
}
