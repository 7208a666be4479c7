package account

import (
	"encoding/json"
	"fmt"

	"github.com/better-wallet/session-wallet/pkg/types"
)

// legacyRecord is the version 1 layout: no version field, no session key and
// a module list with no chain association.
type legacyRecord struct {
	EncryptedPrivateKey *string                  `json:"encryptedPrivateKey"`
	DeployedChains      []types.DeploymentStatus `json:"deployedChains"`
	InstalledModules    []types.ModuleDescriptor `json:"installedModules"`
}

// persistEnvelope is the wrapper some version 1 writers used.
type persistEnvelope struct {
	State json.RawMessage `json:"state"`
}

func decodeRecord(data []byte) (*types.CredentialRecord, error) {
	var head struct {
		Version int             `json:"version"`
		State   json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode credential record: %w", err)
	}

	switch {
	case head.Version == types.CredentialRecordVersion && head.State == nil:
		var record types.CredentialRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to decode credential record: %w", err)
		}
		normalize(&record)
		return &record, nil

	case head.Version > types.CredentialRecordVersion:
		return nil, fmt.Errorf("credential record version %d is newer than supported %d",
			head.Version, types.CredentialRecordVersion)

	default:
		return migrateV1(data, head.State)
	}
}

// migrateV1 upgrades a version 1 record. The chainless module list is
// dropped; it is a cache that the next refresh rebuilds per chain.
func migrateV1(data []byte, state json.RawMessage) (*types.CredentialRecord, error) {
	if state != nil {
		data = state
	}

	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to decode legacy credential record: %w", err)
	}

	record := emptyRecord()
	if legacy.EncryptedPrivateKey != nil {
		record.EncryptedPrivateKey = *legacy.EncryptedPrivateKey
	}
	if legacy.DeployedChains != nil {
		record.DeployedChains = legacy.DeployedChains
	}
	return record, nil
}

func normalize(record *types.CredentialRecord) {
	if record.DeployedChains == nil {
		record.DeployedChains = []types.DeploymentStatus{}
	}
	if record.InstalledModules == nil {
		record.InstalledModules = []types.InstalledModuleSet{}
	}
	for i := range record.InstalledModules {
		if record.InstalledModules[i].Modules == nil {
			record.InstalledModules[i].Modules = []types.ModuleDescriptor{}
		}
	}
}
