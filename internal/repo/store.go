package repo

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/lib/pq"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LockSpace namespaces advisory locks so different check-then-act
// sequences for the same account do not block each other.
type LockSpace int32

const (
	LockSlots LockSpace = 1
	LockAlias LockSpace = 2
)

// Repos bundles the repositories bound to one connection or transaction
type Repos struct {
	Accounts AccountRepo
	Devices  DeviceRepo
	Nodes    NodeRepo
	OneClick OneClickRepo
	Aliases  AliasRepo
}

// Store hands out repositories and runs serialized per-account sequences
type Store interface {
	Repos() Repos
	// WithAccountLock runs fn in a transaction holding an advisory lock on
	// (space, accountID) until commit or rollback.
	WithAccountLock(ctx context.Context, space LockSpace, accountID int64, fn func(Repos) error) error
	// WithLocks is WithAccountLock over several keys of one space. Keys are
	// locked in LockKey order, so overlapping key sets cannot deadlock.
	WithLocks(ctx context.Context, space LockSpace, keys []int64, fn func(Repos) error) error
	// WithTx runs fn in a transaction without any advisory lock.
	WithTx(ctx context.Context, fn func(Repos) error) error
}

// NewRepos binds every repository to db
func NewRepos(db DBTX) Repos {
	return Repos{
		Accounts: NewAccountRepo(db),
		Devices:  NewDeviceRepo(db),
		Nodes:    NewNodeRepo(db),
		OneClick: NewOneClickRepo(db),
		Aliases:  NewAliasRepo(db),
	}
}

type sqlStore struct {
	db    *sql.DB
	repos Repos
}

// NewStore creates a Postgres-backed Store
func NewStore(db *sql.DB) Store {
	return &sqlStore{db: db, repos: NewRepos(db)}
}

func (s *sqlStore) Repos() Repos {
	return s.repos
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(Repos) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(NewRepos(tx))
	})
}

func (s *sqlStore) WithAccountLock(ctx context.Context, space LockSpace, accountID int64, fn func(Repos) error) error {
	return s.WithLocks(ctx, space, []int64{accountID}, fn)
}

func (s *sqlStore) WithLocks(ctx context.Context, space LockSpace, keys []int64, fn func(Repos) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Blocks until we hold each lock; released on COMMIT/ROLLBACK.
		for _, key := range LockOrder(space, keys) {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
				return fmt.Errorf("advisory lock: %w", err)
			}
		}
		return fn(NewRepos(tx))
	})
}

// LockKey folds a lock space and a key into the single bigint taken by
// pg_advisory_xact_lock.
func LockKey(space LockSpace, key int64) int64 {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(space))
	binary.BigEndian.PutUint64(buf[4:], uint64(key))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}

// LockOrder returns the distinct lock keys for keys in acquisition order
func LockOrder(space LockSpace, keys []int64) []int64 {
	out := make([]int64, 0, len(keys))
	seen := make(map[int64]bool, len(keys))
	for _, k := range keys {
		lk := LockKey(space, k)
		if !seen[lk] {
			seen[lk] = true
			out = append(out, lk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *sqlStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
