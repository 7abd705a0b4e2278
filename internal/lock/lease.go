// Package lock serializes verbs on a container: an OS advisory lock in the
// cache directory excludes local processes and a lease object in the bucket
// excludes other identities.
package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/objectfs/blockvfs/internal/blockstore"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Lease is the document stored at <prefix>/lock.json.
type Lease struct {
	Holder   string    `json:"holder"`
	Session  string    `json:"session"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

// Store is the slice of the block store client the lease needs.
type Store interface {
	Path() blockstore.Path
	GetLock(ctx context.Context) ([]byte, error)
	PutLock(ctx context.Context, data []byte, ifAbsent bool) error
	DeleteLock(ctx context.Context) error
	ClaimLock(ctx context.Context, session string, data []byte) error
	GetLockClaim(ctx context.Context, session string) ([]byte, error)
	DeleteLockClaim(ctx context.Context, session string) error
}

// Manager acquires container locks.
type Manager struct {
	dir    string
	lease  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager returns a Manager keeping lock files below dir.
func NewManager(dir string, lease time.Duration, logger zerolog.Logger) *Manager {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Manager{
		dir:    dir,
		lease:  lease,
		logger: logger.With().Str("component", "lock").Logger(),
		now:    time.Now,
	}
}

// Handle is a held container lock.
type Handle struct {
	m     *Manager
	store Store
	file  *FileLock
	lease Lease

	mu sync.Mutex
}

// Acquire takes the local and the remote lock for holder. A live lease of
// a different holder is reported as LOCK_HELD naming that holder; an
// expired lease or one of the same holder is taken over.
func (m *Manager) Acquire(ctx context.Context, store Store, holder string) (*Handle, error) {
	container := store.Path().String()
	file := NewFileLock(Path(m.dir, container))
	if err := file.TryLock(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	lease := Lease{
		Holder:   holder,
		Session:  uuid.NewString(),
		Acquired: now,
		Expires:  now.Add(m.lease),
	}
	if err := m.takeLease(ctx, store, lease); err != nil {
		file.Unlock()
		return nil, err
	}

	m.logger.Debug().Str("container", container).Str("holder", holder).Str("session", lease.Session).Msg("lock acquired")
	return &Handle{m: m, store: store, file: file, lease: lease}, nil
}

// takeLease writes lease. An existing lease is replaced only when it has
// expired or belongs to the same holder, and only by the caller holding the
// claim on its session.
func (m *Manager) takeLease(ctx context.Context, store Store, lease Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}

	err = store.PutLock(ctx, data, true)
	if err == nil {
		return nil
	}
	if !bverrors.HasCode(err, bverrors.ErrCodeObjectExists) {
		return err
	}

	current, err := m.read(ctx, store)
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		// released between our write and read
		return store.PutLock(ctx, data, true)
	}
	if err != nil {
		return err
	}
	if !m.replaceable(current, lease) {
		return heldError(store, current)
	}

	claimed, err := m.claim(ctx, store, current.Session, data)
	if err != nil {
		return err
	}
	abandon := func() {
		if err := store.DeleteLockClaim(context.WithoutCancel(ctx), claimed); err != nil {
			m.logger.Warn().Err(err).Str("session", claimed).Msg("failed to remove lease claim")
		}
	}

	// a slow caller may have read a lease that has since been replaced
	again, err := m.read(ctx, store)
	if err != nil {
		abandon()
		if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
			return store.PutLock(ctx, data, true)
		}
		return err
	}
	if again.Session != current.Session || !m.replaceable(again, lease) {
		abandon()
		return heldError(store, again)
	}

	if current.Holder != lease.Holder {
		m.logger.Warn().Str("holder", current.Holder).Time("expired", current.Expires).Msg("taking over expired lease")
	}
	if err := store.PutLock(ctx, data, false); err != nil {
		abandon()
		return err
	}

	// the owner may have renewed between our read and write
	after, err := m.read(ctx, store)
	if err != nil {
		return err
	}
	if after.Session != lease.Session {
		abandon()
		return heldError(store, after)
	}
	return nil
}

// replaceable reports whether lease may replace current.
func (m *Manager) replaceable(current *Lease, lease Lease) bool {
	return current.Holder == lease.Holder || !m.now().Before(current.Expires)
}

// claim records that the caller replaces the lease of session. A claim left by a
// caller whose own lease has expired is itself claimed. It returns the
// session whose claim the caller now holds.
func (m *Manager) claim(ctx context.Context, store Store, session string, data []byte) (string, error) {
	for i := 0; i < 8; i++ {
		err := store.ClaimLock(ctx, session, data)
		if err == nil {
			return session, nil
		}
		if !bverrors.HasCode(err, bverrors.ErrCodeObjectExists) {
			return "", err
		}

		raw, err := store.GetLockClaim(ctx, session)
		if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		var other Lease
		if err := json.Unmarshal(raw, &other); err != nil || other.Session == "" {
			return "", bverrors.Newf(bverrors.ErrCodeLockHeld, "unreadable claim on the lease of %s", store.Path()).
				WithComponent("lock").
				WithDetail("session", session)
		}
		if m.now().Before(other.Expires) {
			return "", bverrors.Newf(bverrors.ErrCodeLockHeld, "lease on %s is being taken over by %s", store.Path(), other.Holder).
				WithComponent("lock").
				WithDetail("holder", other.Holder).
				WithDetail("session", other.Session)
		}
		session = other.Session
	}
	return "", bverrors.Newf(bverrors.ErrCodeLockHeld, "too many stale claims on the lease of %s", store.Path()).
		WithComponent("lock")
}

func heldError(store Store, current *Lease) error {
	return bverrors.Newf(bverrors.ErrCodeLockHeld, "container %s is locked by %s until %s",
		store.Path(), current.Holder, current.Expires.Format(time.RFC3339)).
		WithComponent("lock").
		WithDetail("holder", current.Holder).
		WithDetail("session", current.Session)
}

func (m *Manager) read(ctx context.Context, store Store) (*Lease, error) {
	data, err := store.GetLock(ctx)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		// an unreadable lease blocks nobody
		return &Lease{}, nil
	}
	return &lease, nil
}

// Current returns the lease stored for the container, if any.
func (m *Manager) Current(ctx context.Context, store Store) (*Lease, bool, error) {
	lease, err := m.read(ctx, store)
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// Lease returns the held lease.
func (h *Handle) Lease() Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Renew extends the lease by the configured duration. A lease that another
// session has taken over is not overwritten; Renew reports LOCK_HELD.
func (h *Handle) Renew(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, err := h.m.read(ctx, h.store)
	if err != nil && !bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return err
	}
	if err == nil && current.Session != h.lease.Session {
		return bverrors.Newf(bverrors.ErrCodeLockHeld, "lease on %s was taken over by %s", h.store.Path(), current.Holder).
			WithComponent("lock").
			WithDetail("holder", current.Holder).
			WithDetail("session", current.Session)
	}

	lease := h.lease
	lease.Expires = h.m.now().UTC().Add(h.m.lease)
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	if err := h.store.PutLock(ctx, data, false); err != nil {
		return err
	}
	h.lease = lease
	return nil
}

// Keep renews the lease every third of its duration until ctx ends. Renewal
// failures go to onError; a lost lease stops the renewals.
func (h *Handle) Keep(ctx context.Context, onError func(error)) {
	ticker := time.NewTicker(max(h.m.lease/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.Renew(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if onError != nil {
				onError(err)
			}
			if bverrors.HasCode(err, bverrors.ErrCodeLockHeld) {
				return
			}
		}
	}
}

// Release removes the lease if it is still ours and drops the local lock.
func (h *Handle) Release(ctx context.Context) error {
	defer h.file.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	current, err := h.m.read(ctx, h.store)
	if bverrors.HasCode(err, bverrors.ErrCodeObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Session != h.lease.Session {
		h.m.logger.Warn().Str("holder", current.Holder).Msg("lease was taken over, leaving it in place")
		return nil
	}
	return h.store.DeleteLock(ctx)
}
