package types

import (
	"time"
)

// CredentialRecordVersion is the current persisted record layout.
//
//	1 - encrypted key, deployed chains and a flat module list (no version field)
//	2 - adds the encrypted session key, owner address and per-chain module sets
const CredentialRecordVersion = 2

// CredentialRecord is the persisted account state. It never holds plaintext
// key material.
type CredentialRecord struct {
	Version             int                  `json:"version"`
	EncryptedPrivateKey string               `json:"encryptedPrivateKey,omitempty"`
	EncryptedSessionKey string               `json:"encryptedSessionKey,omitempty"`
	Address             string               `json:"address,omitempty"`
	DeployedChains      []DeploymentStatus   `json:"deployedChains"`
	InstalledModules    []InstalledModuleSet `json:"installedModules"`
	CreatedAt           *time.Time           `json:"createdAt,omitempty"`
}

// HasKey reports whether an encrypted private key is present.
func (r *CredentialRecord) HasKey() bool {
	return r != nil && r.EncryptedPrivateKey != ""
}

// DeploymentStatus is the smart-account deployment state on one network.
type DeploymentStatus struct {
	ChainID    int64  `json:"chainId"`
	ChainName  string `json:"chainName"`
	IsDeployed bool   `json:"isDeployed"`
	Address    string `json:"address,omitempty"`
	Error      string `json:"error,omitempty"`
}

// InstalledModuleSet is the cached module list for one network.
type InstalledModuleSet struct {
	ChainID int64              `json:"chainId"`
	Modules []ModuleDescriptor `json:"modules"`
}
