// Package repotest provides an in-memory repo.Store for unit tests.
//
// Every repository call is individually atomic. WithAccountLock and
// WithLocks serialize callers per lock key the way pg_advisory_xact_lock does, so
// code that skips the lock races exactly as it would against Postgres.
// Transactions are not rolled back on error.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo"
)

// MemStore is an in-memory implementation of repo.Store
type MemStore struct {
	mu sync.Mutex

	accounts map[int64]*model.Account
	slots    map[int64]*model.DeviceSlot
	nodes    map[int64]*model.ProxyNode
	tokens   map[int64]*model.OpaqueToken
	aliases  map[string]*model.Alias
	nextID   int64
	clock    func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	// SlowPath, when set, is called between reads and writes inside the
	// device repository so tests can widen race windows.
	SlowPath func()
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[int64]*model.Account),
		slots:    make(map[int64]*model.DeviceSlot),
		nodes:    make(map[int64]*model.ProxyNode),
		tokens:   make(map[int64]*model.OpaqueToken),
		aliases:  make(map[string]*model.Alias),
		locks:    make(map[int64]*sync.Mutex),
		clock:    time.Now,
	}
}

// SetClock overrides the clock used for created_at stamps
func (s *MemStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Repos implements repo.Store
func (s *MemStore) Repos() repo.Repos {
	return repo.Repos{
		Accounts: memAccounts{s},
		Devices:  memDevices{s},
		Nodes:    memNodes{s},
		OneClick: memOneClick{s},
		Aliases:  memAliases{s},
	}
}

// WithTx implements repo.Store
func (s *MemStore) WithTx(ctx context.Context, fn func(repo.Repos) error) error {
	return fn(s.Repos())
}

// WithAccountLock implements repo.Store
func (s *MemStore) WithAccountLock(ctx context.Context, space repo.LockSpace, accountID int64, fn func(repo.Repos) error) error {
	return s.WithLocks(ctx, space, []int64{accountID}, fn)
}

// WithLocks implements repo.Store
func (s *MemStore) WithLocks(ctx context.Context, space repo.LockSpace, keys []int64, fn func(repo.Repos) error) error {
	order := repo.LockOrder(space, keys)
	held := make([]*sync.Mutex, 0, len(order))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()
	for _, key := range order {
		s.locksMu.Lock()
		l, ok := s.locks[key]
		if !ok {
			l = new(sync.Mutex)
			s.locks[key] = l
		}
		s.locksMu.Unlock()

		l.Lock()
		held = append(held, l)
	}
	return fn(s.Repos())
}

// AddAccount stores a copy of a and returns it with an id assigned
func (s *MemStore) AddAccount(a model.Account) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	s.accounts[a.ID] = &a
	return a
}

// AddNode stores a copy of n and returns it with an id assigned
func (s *MemStore) AddNode(n model.ProxyNode) model.ProxyNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.id()
	n.CreatedAt = s.clock()
	s.nodes[n.ID] = &n
	return n
}

// AddOpaqueToken stores a copy of t and returns it with an id assigned
func (s *MemStore) AddOpaqueToken(t model.OpaqueToken) model.OpaqueToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.id()
	t.CreatedAt = s.clock()
	s.tokens[t.ID] = &t
	return t
}

// Slots returns copies of every slot of an account ordered by id
func (s *MemStore) Slots(accountID int64) []model.DeviceSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeviceSlot
	for _, slot := range s.slots {
		if slot.AccountID == accountID {
			out = append(out, *slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of active slots of an account
func (s *MemStore) ActiveCount(accountID int64) int {
	n := 0
	for _, slot := range s.Slots(accountID) {
		if slot.Status == model.SlotActive {
			n++
		}
	}
	return n
}

// Aliases returns copies of every alias row
func (s *MemStore) Aliases() []model.Alias {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alias, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, model.ErrNotFound)
}

type memAccounts struct{ s *MemStore }

func (r memAccounts) GetByID(ctx context.Context, id int64) (model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.Account{}, notFound("account")
	}
	return *a, nil
}

func (r memAccounts) byExternal(externalID int64) *model.Account {
	for _, a := range r.s.accounts {
		if a.ExternalID == externalID {
			return a
		}
	}
	return nil
}

func (r memAccounts) GetByExternalID(ctx context.Context, externalID int64) (model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.byExternal(externalID)
	if a == nil {
		return model.Account{}, notFound("account")
	}
	return *a, nil
}

func (r memAccounts) EnsureByExternalID(ctx context.Context, externalID int64, defaults model.AccountDefaults) (model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.byExternal(externalID)
	if a == nil {
		a = &model.Account{
			ID:                 r.s.id(),
			ExternalID:         externalID,
			DeviceSlots:        defaults.DeviceSlots,
			SubscriptionActive: true,
			CreatedAt:          r.s.clock(),
		}
		r.s.accounts[a.ID] = a
	}
	if a.LegacyIdentity == nil {
		id := defaults.LegacyIdentity
		a.LegacyIdentity = &id
	}
	if a.SubscriptionEndAt == nil {
		end := defaults.TrialEndAt
		a.SubscriptionEndAt = &end
		a.SubscriptionActive = true
	}
	return *a, nil
}

func (r memAccounts) EnsureLegacyIdentity(ctx context.Context, id int64, candidate string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return "", notFound("account")
	}
	if a.LegacyIdentity == nil {
		a.LegacyIdentity = &candidate
	}
	return *a.LegacyIdentity, nil
}

func (r memAccounts) Link(ctx context.Context, profile model.LinkProfile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.byExternal(profile.ExternalID)
	if a == nil {
		a = &model.Account{ID: r.s.id(), ExternalID: profile.ExternalID, CreatedAt: r.s.clock()}
		r.s.accounts[a.ID] = a
	}
	now := r.s.clock()
	a.Username, a.FirstName, a.LastName, a.UpdatedAt = profile.Username, profile.FirstName, profile.LastName, &now
	return nil
}

func (r memAccounts) BumpCredentialVersion(ctx context.Context, externalID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.byExternal(externalID)
	if a == nil {
		return 0, notFound("account")
	}
	a.CredentialVersion++
	return a.CredentialVersion, nil
}

type memDevices struct{ s *MemStore }

func (r memDevices) slow() {
	if r.s.SlowPath != nil {
		r.s.SlowPath()
	}
}

func (r memDevices) FindByKey(ctx context.Context, accountID int64, deviceKey string) (model.DeviceSlot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, slot := range r.s.slots {
		if slot.AccountID == accountID && slot.DeviceKey == deviceKey {
			return *slot, nil
		}
	}
	return model.DeviceSlot{}, notFound("device slot")
}

func (r memDevices) ListActiveLRU(ctx context.Context, accountID int64) ([]model.DeviceSlot, error) {
	r.s.mu.Lock()
	var out []model.DeviceSlot
	for _, slot := range r.s.slots {
		if slot.AccountID == accountID && slot.Status == model.SlotActive {
			out = append(out, *slot)
		}
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastSeenAt == nil && b.LastSeenAt != nil:
			return true
		case a.LastSeenAt != nil && b.LastSeenAt == nil:
			return false
		case a.LastSeenAt != nil && !a.LastSeenAt.Equal(*b.LastSeenAt):
			return a.LastSeenAt.Before(*b.LastSeenAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	r.slow()
	return out, nil
}

func (r memDevices) Create(ctx context.Context, slot model.DeviceSlot) (model.DeviceSlot, error) {
	r.slow()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.slots {
		if existing.AccountID == slot.AccountID && existing.DeviceKey == slot.DeviceKey {
			return model.DeviceSlot{}, fmt.Errorf("failed to create device slot: duplicate key %q", slot.DeviceKey)
		}
		if existing.Identity == slot.Identity {
			return model.DeviceSlot{}, fmt.Errorf("failed to create device slot: duplicate identity")
		}
	}
	slot.ID = r.s.id()
	slot.CreatedAt = r.s.clock()
	r.s.slots[slot.ID] = &slot
	return slot, nil
}

func (r memDevices) Touch(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[id]
	if !ok {
		return notFound("device slot")
	}
	slot.LastSeenAt = &seenAt
	if ip != nil {
		slot.LastSeenIP = ip
	}
	if slot.Platform == nil {
		slot.Platform = platform
	}
	return nil
}

func (r memDevices) Revoke(ctx context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[id]
	if !ok {
		return notFound("device slot")
	}
	slot.Status = model.SlotRevoked
	slot.LastSeenAt = &at
	return nil
}

func (r memDevices) Reactivate(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[id]
	if !ok {
		return notFound("device slot")
	}
	slot.Status = model.SlotActive
	slot.LastSeenAt = &seenAt
	if ip != nil {
		slot.LastSeenIP = ip
	}
	if slot.Platform == nil {
		slot.Platform = platform
	}
	return nil
}

func (r memDevices) ListAuthorizedIdentities(ctx context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	set := make(map[string]struct{})
	hasActive := make(map[int64]bool)
	for _, slot := range r.s.slots {
		if slot.Status == model.SlotActive {
			set[slot.Identity] = struct{}{}
			hasActive[slot.AccountID] = true
		}
	}
	for _, a := range r.s.accounts {
		if a.LegacyIdentity != nil && *a.LegacyIdentity != "" && !hasActive[a.ID] {
			set[*a.LegacyIdentity] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type memNodes struct{ s *MemStore }

func (r memNodes) ListActive(ctx context.Context) ([]model.ProxyNode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.ProxyNode
	for _, n := range r.s.nodes {
		if n.Active {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memNodes) Upsert(ctx context.Context, node model.ProxyNode) (model.ProxyNode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.nodes {
		if n.Host == node.Host && n.Port == node.Port {
			now := r.s.clock()
			node.ID, node.CreatedAt, node.UpdatedAt = n.ID, n.CreatedAt, &now
			*n = node
			return node, nil
		}
	}
	node.ID = r.s.id()
	node.CreatedAt = r.s.clock()
	r.s.nodes[node.ID] = &node
	return node, nil
}

type memOneClick struct{ s *MemStore }

func (r memOneClick) Create(ctx context.Context, accountID int64, token string, expiresAt *time.Time) (model.OpaqueToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := &model.OpaqueToken{ID: r.s.id(), AccountID: accountID, Token: token, ExpiresAt: expiresAt, CreatedAt: r.s.clock()}
	r.s.tokens[t.ID] = t
	return *t, nil
}

func (r memOneClick) FindByToken(ctx context.Context, token string) (model.OpaqueToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tokens {
		if t.Token == token {
			return *t, nil
		}
	}
	return model.OpaqueToken{}, notFound("opaque token")
}

func (r memOneClick) LatestUsable(ctx context.Context, accountID int64, now time.Time) (model.OpaqueToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.OpaqueToken
	for _, t := range r.s.tokens {
		if t.AccountID == accountID && t.Usable(now) && (best == nil || t.ID > best.ID) {
			best = t
		}
	}
	if best == nil {
		return model.OpaqueToken{}, notFound("opaque token")
	}
	return *best, nil
}

func (r memOneClick) MarkUsed(ctx context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.tokens[id]; ok {
		t.LastUsedAt = &at
	}
	return nil
}

type memAliases struct{ s *MemStore }

func (r memAliases) FindByAlias(ctx context.Context, alias string) (model.Alias, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.aliases[alias]
	if !ok {
		return model.Alias{}, notFound("alias")
	}
	return *a, nil
}

func (r memAliases) FindByAccount(ctx context.Context, accountID int64) (model.Alias, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.aliases {
		if a.AccountID != nil && *a.AccountID == accountID {
			return *a, nil
		}
	}
	return model.Alias{}, notFound("alias")
}

func (r memAliases) FindByToken(ctx context.Context, storedToken string) (model.Alias, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *model.Alias
	for _, a := range r.s.aliases {
		if a.Token == storedToken && (found == nil || strings.Compare(a.Alias, found.Alias) < 0) {
			found = a
		}
	}
	if found == nil {
		return model.Alias{}, notFound("alias")
	}
	return *found, nil
}

func (r memAliases) Insert(ctx context.Context, alias model.Alias) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.aliases[alias.Alias]; ok {
		return repo.ErrAliasTaken
	}
	if alias.AccountID != nil {
		for _, a := range r.s.aliases {
			if a.AccountID != nil && *a.AccountID == *alias.AccountID {
				return fmt.Errorf("insert alias: duplicate account %d", *alias.AccountID)
			}
		}
	}
	alias.CreatedAt = r.s.clock()
	r.s.aliases[alias.Alias] = &alias
	return nil
}

func (r memAliases) Retarget(ctx context.Context, alias, storedToken string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.aliases[alias]
	if !ok {
		return notFound("alias")
	}
	a.Token = storedToken
	a.UpdatedAt = &at
	return nil
}

func (r memAliases) BackfillAccount(ctx context.Context, alias string, accountID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.aliases[alias]
	if !ok || a.AccountID != nil {
		return nil
	}
	for _, other := range r.s.aliases {
		if other.AccountID != nil && *other.AccountID == accountID {
			return nil
		}
	}
	a.AccountID = &accountID
	return nil
}
