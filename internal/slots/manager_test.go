package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo/repotest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestManager(t *testing.T, capacity int, policy Policy) (*Manager, *repotest.MemStore) {
	t.Helper()
	store := repotest.NewMemStore()
	clock := &stepClock{cur: base}
	store.SetClock(clock.Now)
	m := NewManager(store, capacity, policy, nil)
	m.now = clock.Now
	return m, store
}

func TestAdmit_EvictsLeastRecentlySeen(t *testing.T) {
	m, store := newTestManager(t, 3, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1, DeviceSlots: 2})

	d1, err := m.Admit(ctx, account, Request{DeviceKey: "d1"})
	require.NoError(t, err)
	d2, err := m.Admit(ctx, account, Request{DeviceKey: "d2"})
	require.NoError(t, err)
	d3, err := m.Admit(ctx, account, Request{DeviceKey: "d3"})
	require.NoError(t, err)

	require.NotNil(t, d3.Evicted)
	assert.Equal(t, "d1", d3.Evicted.DeviceKey)
	assert.Equal(t, d1.Identity, d3.Evicted.Identity)
	assert.Equal(t, 2, store.ActiveCount(account.ID))

	status := map[string]model.SlotStatus{}
	for _, s := range store.Slots(account.ID) {
		status[s.DeviceKey] = s.Status
	}
	assert.Equal(t, map[string]model.SlotStatus{
		"d1": model.SlotRevoked,
		"d2": model.SlotActive,
		"d3": model.SlotActive,
	}, status)
	assert.NotEqual(t, d2.Identity, d3.Identity)
}

func TestAdmit_SameKeyTwiceIsStable(t *testing.T) {
	m, store := newTestManager(t, 2, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	first, err := m.Admit(ctx, account, Request{DeviceKey: "phone", UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", RemoteIP: "10.0.0.1"})
	require.NoError(t, err)
	second, err := m.Admit(ctx, account, Request{DeviceKey: "phone", RemoteIP: "10.0.0.2"})
	require.NoError(t, err)

	assert.Equal(t, first.Identity, second.Identity)
	assert.Nil(t, second.Evicted)
	assert.Equal(t, 1, store.ActiveCount(account.ID))

	slots := store.Slots(account.ID)
	require.Len(t, slots, 1)
	require.NotNil(t, slots[0].Platform)
	assert.Equal(t, "ios", *slots[0].Platform)
	require.NotNil(t, slots[0].LastSeenIP)
	assert.Equal(t, "10.0.0.2", *slots[0].LastSeenIP)
}

func TestAdmit_RefreshChangesEvictionOrder(t *testing.T) {
	m, store := newTestManager(t, 2, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	for _, key := range []string{"d1", "d2", "d1"} {
		_, err := m.Admit(ctx, account, Request{DeviceKey: key})
		require.NoError(t, err)
	}

	res, err := m.Admit(ctx, account, Request{DeviceKey: "d3"})
	require.NoError(t, err)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "d2", res.Evicted.DeviceKey)
}

func TestAdmit_NeverSeenSlotsEvictedFirst(t *testing.T) {
	m, store := newTestManager(t, 2, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	_, err := m.Admit(ctx, account, Request{DeviceKey: "seen"})
	require.NoError(t, err)
	_, err = store.Repos().Devices.Create(ctx, model.DeviceSlot{
		AccountID: account.ID,
		DeviceKey: "imported",
		Identity:  "11111111-1111-1111-1111-111111111111",
		Status:    model.SlotActive,
	})
	require.NoError(t, err)

	res, err := m.Admit(ctx, account, Request{DeviceKey: "new"})
	require.NoError(t, err)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "imported", res.Evicted.DeviceKey)
}

func TestAdmit_RevokedSlotReturnsWithSameIdentity(t *testing.T) {
	m, store := newTestManager(t, 1, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	a, err := m.Admit(ctx, account, Request{DeviceKey: "a"})
	require.NoError(t, err)
	_, err = m.Admit(ctx, account, Request{DeviceKey: "b"})
	require.NoError(t, err)

	back, err := m.Admit(ctx, account, Request{DeviceKey: "a"})
	require.NoError(t, err)
	assert.Equal(t, a.Identity, back.Identity)
	require.NotNil(t, back.Evicted)
	assert.Equal(t, "b", back.Evicted.DeviceKey)
	assert.Equal(t, 1, store.ActiveCount(account.ID))
	assert.Len(t, store.Slots(account.ID), 2)
}

func TestAdmit_RejectPolicy(t *testing.T) {
	m, store := newTestManager(t, 1, PolicyReject)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	_, err := m.Admit(ctx, account, Request{DeviceKey: "a"})
	require.NoError(t, err)
	_, err = m.Admit(ctx, account, Request{DeviceKey: "b"})
	assert.True(t, errors.Is(err, model.ErrCapacityConflict))
	assert.Equal(t, 1, store.ActiveCount(account.ID))

	_, err = m.Admit(ctx, account, Request{DeviceKey: "a"})
	assert.NoError(t, err, "known devices are unaffected by the policy")
}

func TestAdmit_LegacyIdentity(t *testing.T) {
	m, store := newTestManager(t, 1, PolicyEvict)
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	first, err := m.Admit(ctx, account, Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, first.Identity)
	assert.Nil(t, first.Slot)

	reloaded, err := store.Repos().Accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	second, err := m.Admit(ctx, reloaded, Request{DeviceKey: "   "})
	require.NoError(t, err)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Empty(t, store.Slots(account.ID))
}

func TestAdmit_ConcurrentNeverExceedsCapacity(t *testing.T) {
	m, store := newTestManager(t, 3, PolicyEvict)
	store.SlowPath = func() { time.Sleep(time.Millisecond) }
	ctx := context.Background()
	account := store.AddAccount(model.Account{ExternalID: 1})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Admit(ctx, account, Request{DeviceKey: fmt.Sprintf("device-%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.ActiveCount(account.ID))
	assert.Len(t, store.Slots(account.ID), 20)
}

func TestCapacity(t *testing.T) {
	m, _ := newTestManager(t, 3, PolicyEvict)
	assert.Equal(t, 3, m.Capacity(model.Account{}))
	assert.Equal(t, 5, m.Capacity(model.Account{DeviceSlots: 5}))
}

func TestInferPlatform(t *testing.T) {
	tests := map[string]string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)": "ios",
		"Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)":          "ios",
		"Dalvik/2.1.0 (Linux; U; Android 14)":                    "android",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)":           "macos",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64)":              "windows",
		"v2rayN/6.0":                                             "",
		"":                                                       "",
	}
	for ua, want := range tests {
		assert.Equal(t, want, InferPlatform(ua), ua)
	}
}
