package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EthereumAddressPattern is the regex pattern for Ethereum addresses.
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// amountPattern accepts plain decimal amounts like "1", "0.5" or "12.000001".
var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Limits for user input.
const (
	MinPasswordLength = 8
	MaxMessageSize    = 64 * 1024
	MaxTokenDecimals  = 77
)

// ValidateAddress validates an Ethereum address format.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	return nil
}

// ValidateRecipient validates a transfer recipient. The zero address is
// rejected since tokens sent there are lost.
func ValidateRecipient(address string) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("cannot send to zero address")
	}
	return nil
}

// ValidateChainID validates a chain ID.
func ValidateChainID(chainID int64) error {
	if chainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	return nil
}

// ValidatePassword checks the password policy for new accounts.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if strings.TrimSpace(password) != password {
		return fmt.Errorf("password cannot start or end with whitespace")
	}
	return nil
}

// ValidateMessage checks a message to be signed.
func ValidateMessage(message []byte) error {
	if len(message) == 0 {
		return fmt.Errorf("message cannot be empty")
	}
	if len(message) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes > %d bytes max", len(message), MaxMessageSize)
	}
	return nil
}

// ParseHexData decodes 0x-prefixed calldata. An empty string is empty data.
func ParseHexData(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// ParseTokenAmount converts a decimal amount into base units of a token with
// the given decimals. More fractional digits than decimals is an error.
func ParseTokenAmount(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > MaxTokenDecimals {
		return nil, fmt.Errorf("decimals must be between 0 and %d", MaxTokenDecimals)
	}
	amount = strings.TrimSpace(amount)
	if !amountPattern.MatchString(amount) {
		return nil, fmt.Errorf("invalid amount %q: must be a positive decimal number", amount)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if value.Sign() == 0 {
		return nil, fmt.Errorf("amount must be greater than zero")
	}
	if value.BitLen() > 256 {
		return nil, fmt.Errorf("amount exceeds uint256")
	}
	return value, nil
}

// FormatTokenAmount renders base units as a decimal amount.
func FormatTokenAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	s := value.String()
	if decimals <= 0 {
		return s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ValidateBackupShares validates a threshold split.
func ValidateBackupShares(threshold, shares int) error {
	if threshold < 2 {
		return fmt.Errorf("threshold must be at least 2")
	}
	if shares < threshold {
		return fmt.Errorf("shares (%d) must be >= threshold (%d)", shares, threshold)
	}
	if shares > 255 {
		return fmt.Errorf("shares must be at most 255")
	}
	return nil
}
