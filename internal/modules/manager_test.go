package modules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/session-wallet/internal/aa"
	"github.com/better-wallet/session-wallet/internal/testutil"
	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
	"github.com/better-wallet/session-wallet/pkg/types"
)

type memoryStore struct {
	mu  sync.Mutex
	got map[int64][]types.ModuleDescriptor
	err error
}

func (s *memoryStore) UpsertInstalledModules(ctx context.Context, chainID int64, modules []types.ModuleDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.got == nil {
		s.got = make(map[int64][]types.ModuleDescriptor)
	}
	s.got[chainID] = modules
	return nil
}

func newClient(t *testing.T) *testutil.FakeClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := testutil.NewFakeAccount(common.HexToAddress("0x00000000000000000000000000000000000A11CE"))
	return testutil.NewFakeClient(account, testutil.TestNetworks[0], aa.NewK1Validator(aa.DefaultK1Validator, key))
}

func TestRefresh_Undeployed(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(nil, store, nil)
	client := newClient(t)

	// a deployed account populates the cache first
	client.Account().Install(aa.DefaultK1Validator, PasskeyValidatorAddress)
	require.Len(t, m.Refresh(context.Background(), client), 2)

	client.Account().Deployed = false
	list := m.Refresh(context.Background(), client)

	assert.Empty(t, list)
	assert.NotNil(t, list)
	assert.Empty(t, m.Modules(client.ChainID()))
	assert.Empty(t, store.got[client.ChainID()])
}

func TestRefresh_Deployed(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(nil, store, nil)
	client := newClient(t)
	unknown := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	client.Account().Install(aa.DefaultK1Validator, PasskeyValidatorAddress, unknown)

	list := m.Refresh(context.Background(), client)
	require.Len(t, list, 3)

	assert.Equal(t, types.ModuleTypeK1, list[0].Type)
	assert.Equal(t, types.AuthorizationModule{
		Name:    "Passkey Module",
		Address: PasskeyValidatorAddress.Hex(),
		Type:    types.ModuleTypePasskey,
	}, list[1])
	assert.Equal(t, types.AuthorizationModule{
		Name:    types.UnknownModuleName,
		Address: unknown.Hex(),
		Type:    types.ModuleTypeOther,
	}, list[2])

	require.Len(t, store.got[client.ChainID()], 3)
	assert.Equal(t, UnknownModuleDescription, store.got[client.ChainID()][2].Description)
	assert.True(t, m.Has(client.ChainID(), PasskeyValidatorAddress))
}

func TestRefresh_QueryFailure(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator)
	require.Len(t, m.Refresh(context.Background(), client), 1)

	client.Account().QueryErr = errors.New("503 service unavailable")

	var list []types.AuthorizationModule
	assert.NotPanics(t, func() {
		list = m.Refresh(context.Background(), client)
	})
	assert.Empty(t, list)
	assert.Empty(t, m.Modules(client.ChainID()))
}

func TestRefresh_StoreFailureIsNotFatal(t *testing.T) {
	m := NewManager(nil, &memoryStore{err: errors.New("disk full")}, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator)

	assert.Len(t, m.Refresh(context.Background(), client), 1)
}

func TestRefresh_Idempotent(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator, SmartSessionsAddress)

	first := m.Refresh(context.Background(), client)
	second := m.Refresh(context.Background(), client)
	assert.Equal(t, first, second)
}

func TestRefresh_Concurrent(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator, PasskeyValidatorAddress)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Refresh(context.Background(), client)
		}()
	}
	wg.Wait()

	assert.Len(t, m.Modules(client.ChainID()), 2)
}

func TestInstallRefreshUninstall(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil, nil)
	client := newClient(t)

	receipt, err := m.Install(ctx, client, PasskeyValidatorAddress, []byte{0xAB})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)

	ops := client.Account().Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, []byte{0xAB}, ops[0].InitData)

	list := m.Refresh(ctx, client)
	found := false
	for _, mod := range list {
		if mod.Address == PasskeyValidatorAddress.Hex() {
			found = true
			assert.Equal(t, types.ModuleTypePasskey, mod.Type)
		}
	}
	assert.True(t, found)

	receipt, err = m.Uninstall(ctx, client, PasskeyValidatorAddress)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	ops = client.Account().Snapshot()
	require.Len(t, ops, 2)
	require.NotNil(t, ops[1].Uninstall)
	assert.Empty(t, ops[1].InitData)

	for _, mod := range m.Refresh(ctx, client) {
		assert.NotEqual(t, PasskeyValidatorAddress.Hex(), mod.Address)
	}
}

func TestInstall_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(a *testutil.FakeAccount)
	}{
		{name: "submission rejected", setup: func(a *testutil.FakeAccount) { a.SendErr = errors.New("AA21 didn't pay prefund") }},
		{name: "receipt never arrives", setup: func(a *testutil.FakeAccount) { a.ReceiptErr = aa.ErrReceiptTimeout }},
		{name: "operation reverted", setup: func(a *testutil.FakeAccount) { a.RevertNext = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil, nil, nil)
			client := newClient(t)
			tt.setup(client.Account())

			receipt, err := m.Install(context.Background(), client, PasskeyValidatorAddress, []byte{0x01})
			assert.Nil(t, receipt)
			assert.ErrorIs(t, err, apperrors.ErrOperationNotCompleted)
			assert.False(t, m.Has(client.ChainID(), PasskeyValidatorAddress))
		})
	}
}

func TestUninstall_NotInstalled(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator)

	receipt, err := m.Uninstall(context.Background(), client, PasskeyValidatorAddress)
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, apperrors.ErrOperationNotCompleted)
}

func TestSubscribe(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator)

	events := make(chan Event, 1)
	sub := m.Subscribe(events)
	defer sub.Unsubscribe()

	m.Refresh(context.Background(), client)

	select {
	case ev := <-events:
		assert.Equal(t, client.ChainID(), ev.ChainID)
		assert.Len(t, ev.Modules, 1)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestClear(t *testing.T) {
	m := NewManager(nil, nil, nil)
	client := newClient(t)
	client.Account().Install(aa.DefaultK1Validator)
	m.Refresh(context.Background(), client)

	m.Clear()
	assert.Empty(t, m.Modules(client.ChainID()))
}
