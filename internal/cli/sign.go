package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/better-wallet/session-wallet/internal/api"
	"github.com/better-wallet/session-wallet/internal/app"
	"github.com/better-wallet/session-wallet/pkg/types"
)

func encodingFor(hex bool) string {
	if hex {
		return "hex"
	}
	return "utf8"
}

// NewSignCommand creates the sign command.
func NewSignCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID int64
		module  string
		hex     bool
	)
	cmd := &cobra.Command{
		Use:   "sign <message>",
		Short: "Sign a message as the smart account",
		Long: `Sign a message as the smart account (ERC-1271).

--module picks the authorization module by type (k1, passkey, session) or
address. Without it the wallet's default module signs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var signed app.SignedMessage
			err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "sign"), api.SignMessageRequest{
				Module:   module,
				Message:  args[0],
				Encoding: encodingFor(hex),
			}, &signed)
			if err != nil {
				return err
			}
			return r.print(signed, func(w io.Writer) {
				fmt.Fprintf(w, "account:   %s\n", signed.Address)
				fmt.Fprintf(w, "module:    %s (%s)\n", signed.Module.Name, signed.Module.Address)
				fmt.Fprintf(w, "signature: %s\n", signed.Signature)
			})
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().StringVar(&module, "module", "", "authorization module type or address")
	cmd.Flags().BoolVar(&hex, "hex", false, "message is 0x-prefixed hex")
	return cmd
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID   int64
		signature string
		hex       bool
	)
	cmd := &cobra.Command{
		Use:   "verify <message>",
		Short: "Check a signature against the deployed smart account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			var resp struct {
				Valid bool `json:"valid"`
			}
			err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "verify"), api.VerifyMessageRequest{
				Message:   args[0],
				Encoding:  encodingFor(hex),
				Signature: signature,
			}, &resp)
			if err != nil {
				return err
			}
			return r.print(resp, func(w io.Writer) {
				if resp.Valid {
					fmt.Fprintln(w, "valid")
				} else {
					fmt.Fprintln(w, "invalid")
				}
			})
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().StringVar(&signature, "signature", "", "hex signature")
	_ = cmd.MarkFlagRequired("signature")
	cmd.Flags().BoolVar(&hex, "hex", false, "message is 0x-prefixed hex")
	return cmd
}

// NewTransferCommand creates the transfer command.
func NewTransferCommand(opts *RootOptions) *cobra.Command {
	var (
		chainID  int64
		req      api.TransferRequest
		decimals int
	)
	cmd := &cobra.Command{
		Use:   "transfer <amount>",
		Short: "Send an ERC-20 token from the smart account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunner(cmd, opts)
			if err := r.authenticate(cmd.Context()); err != nil {
				return err
			}
			req.Amount = args[0]
			req.Decimals = decimals
			var receipt types.Receipt
			if err := r.client.Do(cmd.Context(), http.MethodPost, chainPath(chainID, "transfers"), req, &receipt); err != nil {
				return err
			}
			return r.print(receipt, func(w io.Writer) { printReceipt(w, &receipt) })
		},
	}
	addChainFlag(cmd, &chainID)
	cmd.Flags().StringVar(&req.Token, "token", "", "ERC-20 contract address")
	cmd.Flags().StringVar(&req.To, "to", "", "recipient address")
	cmd.Flags().StringVar(&req.Module, "module", "", "authorization module type or address")
	cmd.Flags().IntVar(&decimals, "decimals", 18, "token decimals")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
