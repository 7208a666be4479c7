// Package modules tracks the validator modules installed on each network's
// smart account and classifies them for signer routing.
package modules

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/pkg/types"
)

// Known module deployments.
var (
	PasskeyValidatorAddress = common.HexToAddress("0xD990393C670dCcE8b4d8F858FB98c9912dBFAa06")
	SmartSessionsAddress    = common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE")
	K1ValidatorAddress      = aa.DefaultK1Validator
)

// UnknownModuleDescription accompanies UnknownModuleName.
const UnknownModuleDescription = "Custom module"

// Entry is a catalog row.
type Entry struct {
	Address     common.Address
	Name        string
	Description string
	Type        types.ModuleType
}

// Descriptor returns the persisted form of the entry.
func (e Entry) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{
		Address:     e.Address.Hex(),
		Name:        e.Name,
		Description: e.Description,
	}
}

// Catalog maps module addresses to known identities. Lookups compare
// common.Address values, so hex case never matters.
type Catalog struct {
	entries map[common.Address]Entry
	byType  map[types.ModuleType]Entry
}

// NewCatalog builds a catalog from entries. The first entry of each type is
// the one returned by ByType.
func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{
		entries: make(map[common.Address]Entry, len(entries)),
		byType:  make(map[types.ModuleType]Entry, len(entries)),
	}
	for _, e := range entries {
		c.entries[e.Address] = e
		if _, ok := c.byType[e.Type]; !ok {
			c.byType[e.Type] = e
		}
	}
	return c
}

// DefaultCatalog holds the Passkey, Smart Sessions and K1 validators.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Entry{
			Address:     PasskeyValidatorAddress,
			Name:        "Passkey Module",
			Description: "Enables passwordless authentication using passkeys",
			Type:        types.ModuleTypePasskey,
		},
		Entry{
			Address:     SmartSessionsAddress,
			Name:        "Smart Session Module",
			Description: "Enables temporary session keys for improved UX",
			Type:        types.ModuleTypeSession,
		},
		Entry{
			Address:     K1ValidatorAddress,
			Name:        "K1 Module",
			Description: "Enables K1 keys for improved UX",
			Type:        types.ModuleTypeK1,
		},
	)
}

// Lookup finds the entry for address.
func (c *Catalog) Lookup(address common.Address) (Entry, bool) {
	e, ok := c.entries[address]
	return e, ok
}

// ByType returns the catalog entry of type t.
func (c *Catalog) ByType(t types.ModuleType) (Entry, bool) {
	e, ok := c.byType[t]
	return e, ok
}

// Describe maps an installed validator address to its descriptor.
func (c *Catalog) Describe(address common.Address) types.ModuleDescriptor {
	if e, ok := c.entries[address]; ok {
		return e.Descriptor()
	}
	return types.ModuleDescriptor{
		Address:     address.Hex(),
		Name:        types.UnknownModuleName,
		Description: UnknownModuleDescription,
	}
}

// Classify derives the routing type of a descriptor. Catalog addresses win;
// the name is only consulted for modules the catalog does not know.
func (c *Catalog) Classify(d types.ModuleDescriptor) types.AuthorizationModule {
	out := types.AuthorizationModule{Name: d.Name, Address: d.Address}

	if common.IsHexAddress(d.Address) {
		address := common.HexToAddress(d.Address)
		out.Address = address.Hex()
		if e, ok := c.entries[address]; ok {
			out.Type = e.Type
			return out
		}
	}

	out.Type = classifyByName(d.Name)
	return out
}

// ClassifyAll classifies descriptors in order.
func (c *Catalog) ClassifyAll(descriptors []types.ModuleDescriptor) []types.AuthorizationModule {
	out := make([]types.AuthorizationModule, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, c.Classify(d))
	}
	return out
}

func classifyByName(name string) types.ModuleType {
	if name == types.UnknownModuleName {
		return types.ModuleTypeOther
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "passkey"):
		return types.ModuleTypePasskey
	case strings.Contains(lower, "session"):
		return types.ModuleTypeSession
	case strings.Contains(lower, "k1"), strings.Contains(lower, "ecdsa"):
		return types.ModuleTypeK1
	default:
		return types.ModuleTypeOther
	}
}

// DefaultModule picks the module preselected for an operation: passkey if
// installed, else K1, else the first one.
func DefaultModule(list []types.AuthorizationModule) (types.AuthorizationModule, bool) {
	if len(list) == 0 {
		return types.AuthorizationModule{}, false
	}
	for _, want := range []types.ModuleType{types.ModuleTypePasskey, types.ModuleTypeK1} {
		for _, m := range list {
			if m.Type == want {
				return m, true
			}
		}
	}
	return list[0], true
}
