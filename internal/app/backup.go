package app

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/session-wallet/internal/account"
	"github.com/better-wallet/session-wallet/internal/crypto"
	"github.com/better-wallet/session-wallet/internal/logger"
	"github.com/better-wallet/session-wallet/internal/registry"
	"github.com/better-wallet/session-wallet/internal/validation"
	pkgcrypto "github.com/better-wallet/session-wallet/pkg/crypto"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// ExportBackupRequest splits the owner key into recovery shares.
type ExportBackupRequest struct {
	Password    string
	Threshold   int
	TotalShares int
	// RecipientPublicKey is a base64 P-256 public key. When set every share
	// is sealed to it.
	RecipientPublicKey string
}

// BackupShare is one recovery share. Exactly one of Share and Sealed is set.
type BackupShare struct {
	Index  int                    `json:"index"`
	Share  string                 `json:"share,omitempty"`
	Sealed *pkgcrypto.SealedShare `json:"sealed,omitempty"`
}

// Backup is a threshold split of the owner key.
type Backup struct {
	Address     string        `json:"address"`
	Threshold   int           `json:"threshold"`
	TotalShares int           `json:"totalShares"`
	Shares      []BackupShare `json:"shares"`
}

// ExportBackup splits the owner key of the unlocked account. The password is
// checked again so an unattended unlocked session cannot export.
func (s *WalletService) ExportBackup(ctx context.Context, req *ExportBackupRequest) (*Backup, error) {
	if !s.session.IsAuthenticated() {
		return nil, apperrors.ErrSessionLocked
	}
	if req.Threshold == 0 && req.TotalShares == 0 {
		req.Threshold, req.TotalShares = crypto.DefaultBackupThreshold, crypto.DefaultBackupShares
	}
	if err := validation.ValidateBackupShares(req.Threshold, req.TotalShares); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	var recipient *ecdh.PublicKey
	if req.RecipientPublicKey != "" {
		key, err := pkgcrypto.ParseRecipientPublicKey(req.RecipientPublicKey)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
		}
		recipient = key
	}
	if err := s.store.VerifyPassword(ctx, req.Password); err != nil {
		return nil, err
	}

	var (
		set     *crypto.ShareSet
		address string
	)
	err := s.session.WithOwnerKey(func(owner *ecdsa.PrivateKey) error {
		raw := ethcrypto.FromECDSA(owner)
		defer crypto.Zero(raw)
		address = crypto.GetEthereumAddress(owner).Hex()

		var err error
		set, err = crypto.SplitKey(raw, req.Threshold, req.TotalShares)
		return err
	})
	if err != nil {
		if _, ok := apperrors.IsAppError(err); ok {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
	}

	backup := &Backup{
		Address:     address,
		Threshold:   set.Threshold,
		TotalShares: set.TotalShares,
		Shares:      make([]BackupShare, 0, len(set.Shares)),
	}
	for i, share := range set.Shares {
		entry := BackupShare{Index: i + 1}
		if recipient != nil {
			sealed, err := pkgcrypto.SealShare(recipient, entry.Index, share)
			if err != nil {
				crypto.Zero(share)
				return nil, apperrors.Wrap(apperrors.ErrInternalError, err)
			}
			entry.Sealed = sealed
		} else {
			entry.Share = hexutil.Encode(share)
		}
		crypto.Zero(share)
		backup.Shares = append(backup.Shares, entry)
	}

	logger.Info(ctx, "owner key backup exported",
		"threshold", backup.Threshold,
		"shares", backup.TotalShares,
		"sealed", recipient != nil,
	)
	return backup, nil
}

// RestoreBackupRequest rebuilds an account from recovery shares.
type RestoreBackupRequest struct {
	Shares []BackupShare
	// RecipientPrivateKey is the base64 P-256 private key that opens
	// sealed shares.
	RecipientPrivateKey string

	// Address is the owner address recorded at export. The combined key
	// must derive it.
	Address string

	Password          string
	ConfirmPassword   string
	ReplaceExisting   bool
	CurrentPassword   string
	ReplaceAuthorized bool
}

// RestoreBackup combines shares into the owner key, stores it under the new
// password and unlocks it.
func (s *WalletService) RestoreBackup(ctx context.Context, req *RestoreBackupRequest) ([]registry.NetworkStatus, error) {
	if len(req.Shares) < 2 {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "at least 2 shares are required")
	}
	if req.Password == req.ConfirmPassword {
		if err := validation.ValidatePassword(req.Password); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
		}
	}

	if err := validation.ValidateAddress(req.Address); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, fmt.Errorf("backup address: %w", err))
	}
	expected := common.HexToAddress(req.Address)
	if err := s.authorizeReplace(ctx, req.ReplaceExisting, req.ReplaceAuthorized, req.CurrentPassword); err != nil {
		return nil, err
	}

	shares, err := s.openShares(req.Shares, req.RecipientPrivateKey)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.CombineShares(shares)
	for _, share := range shares {
		crypto.Zero(share)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	defer crypto.Zero(raw)

	// too few shares combine to some other key rather than failing, so the
	// result must derive the exported address
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "shares do not reconstruct a valid key")
	}
	derived := crypto.GetEthereumAddress(key)
	crypto.ZeroKey(key)
	if derived != expected {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest,
			fmt.Sprintf("shares do not reconstruct the key of %s; supply at least the threshold of shares", expected.Hex()))
	}

	keyHex := hexutil.Encode(raw)
	statuses, err := s.session.ImportAccount(ctx, req.Password, req.ConfirmPassword, keyHex, account.CreateOptions{
		ReplaceExisting: req.ReplaceExisting,
	})
	if err != nil {
		return nil, err
	}
	s.afterUnlock(ctx)
	return statuses, nil
}

func (s *WalletService) openShares(in []BackupShare, recipientKeyB64 string) ([][]byte, error) {
	var recipient *ecdh.PrivateKey
	out := make([][]byte, 0, len(in))
	for i, share := range in {
		switch {
		case share.Sealed != nil:
			if recipient == nil {
				key, err := parseRecipientKey(recipientKeyB64)
				if err != nil {
					return nil, err
				}
				recipient = key
			}
			plain, err := pkgcrypto.OpenShare(recipient, share.Index, share.Sealed)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrBadRequest, fmt.Errorf("share %d: %w", i+1, err))
			}
			out = append(out, plain)
		case share.Share != "":
			plain, err := hexutil.Decode(share.Share)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrBadRequest, fmt.Errorf("share %d: %w", i+1, err))
			}
			out = append(out, plain)
		default:
			return nil, apperrors.WithDetail(apperrors.ErrBadRequest, fmt.Sprintf("share %d is empty", i+1))
		}
	}
	return out, nil
}

func parseRecipientKey(b64 string) (*ecdh.PrivateKey, error) {
	if b64 == "" {
		return nil, apperrors.WithDetail(apperrors.ErrBadRequest, "sealed shares need the recipient private key")
	}
	key, err := pkgcrypto.ParseRecipientPrivateKey(b64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, err)
	}
	return key, nil
}
