package types

import (
	"fmt"
)

// Network holds the per-chain parameters needed to build an account client.
// Contract addresses left empty fall back to the canonical deployments.
type Network struct {
	ChainID      int64  `yaml:"chainId" json:"chainId"`
	Name         string `yaml:"name" json:"name"`
	RPCURL       string `yaml:"rpcUrl" json:"rpcUrl"`
	BundlerURL   string `yaml:"bundlerUrl" json:"-"`
	PaymasterURL string `yaml:"paymasterUrl" json:"-"`
	USDCAddress  string `yaml:"usdcAddress" json:"usdcAddress,omitempty"`

	EntryPoint   string `yaml:"entryPoint" json:"entryPoint,omitempty"`
	Factory      string `yaml:"factory" json:"factory,omitempty"`
	K1Validator  string `yaml:"k1Validator" json:"k1Validator,omitempty"`
	AccountIndex uint64 `yaml:"accountIndex" json:"accountIndex,omitempty"`
}

// DisplayName returns the configured name or a generic label.
func (n Network) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("Chain %d", n.ChainID)
}
