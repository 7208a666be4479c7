package types

import "strings"

// ModuleType classifies an authorization module for signer routing.
type ModuleType string

// ModuleType constants.
const (
	ModuleTypePasskey ModuleType = "passkey"
	ModuleTypeSession ModuleType = "session"
	ModuleTypeK1      ModuleType = "k1"
	ModuleTypeOther   ModuleType = "other"
)

// UnknownModuleName is recorded for installed validators missing from the catalog.
const UnknownModuleName = "Unknown Module"

// ModuleDescriptor identifies a validator module installed on a smart account.
type ModuleDescriptor struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AuthorizationModule is the runtime, classified view of a module. It is
// derived from chain state and never persisted.
type AuthorizationModule struct {
	Name    string     `json:"name"`
	Address string     `json:"address"`
	Type    ModuleType `json:"type"`
}

// ParseModuleType converts a string into a ModuleType, defaulting to other.
func ParseModuleType(s string) ModuleType {
	switch ModuleType(strings.ToLower(s)) {
	case ModuleTypePasskey:
		return ModuleTypePasskey
	case ModuleTypeSession:
		return ModuleTypeSession
	case ModuleTypeK1:
		return ModuleTypeK1
	default:
		return ModuleTypeOther
	}
}

// ModuleTypeID values from ERC-7579.
const (
	ModuleTypeIDValidator = 1
	ModuleTypeIDExecutor  = 2
	ModuleTypeIDFallback  = 3
	ModuleTypeIDHook      = 4
)
