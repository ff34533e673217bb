package channel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"ipcbus/internal/logging"
)

const (
	segmentExt  = ".seg"
	lockExt     = ".lock"
	doorbellExt = ".bell"
)

// Options configures a Registry. Capacity and MaxConnections only apply to
// channels this process creates; a channel that already exists keeps the
// geometry recorded in its header.
type Options struct {
	Root           string
	Capacity       int
	MaxConnections int
	// ReapStale frees slots whose owning process no longer exists before a
	// new connection attaches. Disable it when processes sharing the root do
	// not share a pid namespace.
	ReapStale bool
}

// Registry maps channel keys to their shared segments for this process.
type Registry struct {
	root     string
	capacity uint64
	slots    int
	reap     bool
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
}

// entry is this process's view of one channel. Every local Handle for the key
// shares it; it is dropped when the last of them is released.
type entry struct {
	key    Key
	base   string
	logger *slog.Logger
	now    func() time.Time

	refs int // guarded by Registry.mu

	// mu serializes this process's use of lock and seg. The file lock only
	// excludes other processes.
	mu   sync.Mutex
	lock *flock.Flock
	seg  *segment
	bell *doorbell

	notifyMu sync.Mutex
	notify   chan struct{}

	watchOnce sync.Once
	watcher   *bellWatcher
}

// NewRegistry prepares root for channel files.
func NewRegistry(opts Options, logger *slog.Logger) (*Registry, error) {
	root := filepath.Clean(opts.Root)
	if opts.Root == "" {
		return nil, wrap(ErrChannelUnavailable, "channel root is empty", nil)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, wrap(ErrChannelUnavailable, "create channel root "+root, err)
	}
	return &Registry{
		root:     root,
		capacity: normalizeCapacity(opts.Capacity),
		slots:    normalizeSlots(opts.MaxConnections),
		reap:     opts.ReapStale,
		logger:   logging.NewComponentLogger(logger, "channel"),
		now:      time.Now,
		entries:  make(map[Key]*entry),
	}, nil
}

// Root returns the directory holding channel files.
func (r *Registry) Root() string { return r.root }

func (r *Registry) entryFor(key Key) *entry {
	if e, ok := r.entries[key]; ok {
		return e
	}
	base := filepath.Join(r.root, key.stem())
	e := &entry{
		key:    key,
		base:   base,
		logger: r.logger.With(logging.String(logging.FieldChannel, key.String())),
		now:    r.now,
		lock:   flock.New(base + lockExt),
		notify: make(chan struct{}),
	}
	r.entries[key] = e
	return e
}

// Resolve attaches connID to the channel for key, creating the shared segment
// if no process has it yet. The returned Handle owns one slot until Release.
func (r *Registry) Resolve(key Key, connID uuid.UUID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryFor(key)
	var slot int
	err := e.withLock(func() error {
		if e.seg == nil {
			if err := r.openLocked(e); err != nil {
				return err
			}
		}
		v := e.seg.view()
		if r.reap {
			if reaped := v.reapSlots(pidAlive); len(reaped) > 0 {
				logging.WarnWithContext(e.logger, "reaped slots held by exited processes", "stale_slots_reaped",
					logging.Int("reaped", len(reaped)),
					logging.String(logging.FieldErrorHint, "a process exited without closing its connection"),
					logging.String(logging.FieldImpact, "ring space they pinned has been released"),
				)
			}
		}
		var err error
		slot, err = v.claimSlot(connID, os.Getpid(), r.now())
		return err
	})
	if err != nil {
		if e.refs == 0 {
			e.closeLocal()
			delete(r.entries, key)
		}
		return nil, err
	}
	e.refs++
	e.logger.Debug("connection attached",
		logging.String(logging.FieldConnection, connID.String()),
		logging.Int(logging.FieldSlot, slot),
	)
	return &Handle{entry: e, id: connID, slot: slot}, nil
}

// openLocked maps the segment and doorbell for e. Caller holds e's lock.
func (r *Registry) openLocked(e *entry) error {
	seg, created, err := openSegment(e.base+segmentExt, e.key, r.capacity, r.slots, r.now())
	if err != nil {
		return err
	}
	bell, err := openDoorbell(e.base + doorbellExt)
	if err != nil {
		_ = seg.close()
		if created {
			_ = removeFile(seg.path)
		}
		return err
	}
	e.seg = seg
	e.bell = bell
	if created {
		v := seg.view()
		e.logger.Info("channel created",
			logging.String(logging.FieldPath, seg.path),
			logging.Uint64("capacity_bytes", v.capacity()),
			logging.Int("max_connections", v.slotCount()),
		)
	}
	return nil
}

// Release detaches h. The process that detaches the last slot of a channel
// removes its segment and doorbell while still holding the lock, so a
// concurrent Resolve either finds the live segment or creates a new one.
// Releasing a handle twice is a no-op.
func (r *Registry) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := h.entry
	e.mu.Lock()
	if h.released {
		e.mu.Unlock()
		return nil
	}
	h.released = true
	var remaining int
	err := e.flocked(func() error {
		v := e.seg.view()
		if v.ownedBy(h.slot, h.id) {
			remaining = v.freeSlot(h.slot)
		} else {
			remaining = v.attached()
		}
		if remaining > 0 {
			return nil
		}
		v.markClosed()
		if err := removeFile(e.base + segmentExt); err != nil {
			return wrap(ErrChannelUnavailable, "remove segment", err)
		}
		if err := removeFile(e.base + doorbellExt); err != nil {
			return wrap(ErrChannelUnavailable, "remove doorbell", err)
		}
		e.logger.Info("channel removed", logging.String(logging.FieldPath, e.base+segmentExt))
		return nil
	})
	e.mu.Unlock()
	e.logger.Debug("connection detached",
		logging.String(logging.FieldConnection, h.id.String()),
		logging.Int(logging.FieldSlot, h.slot),
		logging.Int("remaining", remaining),
	)
	e.refs--
	if e.refs <= 0 {
		e.closeLocal()
		delete(r.entries, e.key)
	}
	return err
}

// withLock runs fn holding both the in-process mutex and the file lock.
func (e *entry) withLock(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flocked(fn)
}

// flocked runs fn under the file lock. Caller holds e.mu.
func (e *entry) flocked(fn func() error) error {
	if err := e.lock.Lock(); err != nil {
		return wrap(ErrChannelUnavailable, "lock "+e.base+lockExt, err)
	}
	defer func() {
		if err := e.lock.Unlock(); err != nil {
			e.logger.Debug("channel unlock failed", logging.Error(err))
		}
	}()
	return fn()
}

// closeLocal drops this process's resources for e. The lock file is never
// removed; unlinking it would let two processes hold "the" lock at once.
func (e *entry) closeLocal() {
	e.watchOnce.Do(func() {})
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seg != nil {
		if err := e.seg.close(); err != nil {
			e.logger.Debug("segment unmap failed", logging.Error(err))
		}
		e.seg = nil
	}
	if e.bell != nil {
		_ = e.bell.close()
		e.bell = nil
	}
	e.broadcast()
}

// changed returns a channel closed at the next broadcast. The doorbell
// watcher is started on first use so processes that only send never run one.
func (e *entry) changed() <-chan struct{} {
	e.watchOnce.Do(func() {
		w, err := watchDoorbell(e.base+doorbellExt, e.broadcast)
		if err != nil {
			e.logger.Debug("doorbell watch unavailable; relying on polling", logging.Error(err))
			return
		}
		e.watcher = w
	})
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	return e.notify
}

func (e *entry) broadcast() {
	e.notifyMu.Lock()
	close(e.notify)
	e.notify = make(chan struct{})
	e.notifyMu.Unlock()
}

// Handle is one attached slot of a channel.
type Handle struct {
	entry    *entry
	id       uuid.UUID
	slot     int
	released bool // guarded by entry.mu
}

// Key returns the channel key the handle is attached to.
func (h *Handle) Key() Key { return h.entry.key }

// Slot returns the index of the slot the handle owns.
func (h *Handle) Slot() int { return h.slot }

// ID returns the connection id the slot was claimed for.
func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) do(fn func(v view) error) error {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.released || e.seg == nil {
		return ErrHandleReleased
	}
	return e.flocked(func() error { return fn(e.seg.view()) })
}

// Enqueue appends payload to the ring and returns its sequence number. It
// returns once the record is visible to every attached slot; it never waits
// for readers.
func (h *Handle) Enqueue(payload []byte) (uint64, error) {
	var seq uint64
	err := h.do(func(v view) error {
		var err error
		seq, err = v.enqueue(h.slot, h.id, payload, h.entry.now())
		if err != nil {
			return err
		}
		if err := h.entry.bell.ring(seq); err != nil {
			h.entry.logger.Debug("doorbell write failed", logging.Error(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	h.entry.broadcast()
	return seq, nil
}

// Read returns up to max records after the handle's cursor without consuming
// them. Records this handle sent are never returned.
func (h *Handle) Read(max int) ([]Record, error) {
	var out []Record
	err := h.do(func(v view) error {
		var err error
		out, err = v.read(h.slot, h.id, max)
		return err
	})
	return out, err
}

// Subscribe marks the handle as a consumer. Records sent after it attached
// are kept for it until acknowledged; before Subscribe (or the first Read)
// they are dropped whenever a sender needs the space.
func (h *Handle) Subscribe() error {
	return h.do(func(v view) error { return v.subscribe(h.slot, h.id) })
}

// Ack marks every record before next as consumed.
func (h *Handle) Ack(next uint64) error {
	return h.do(func(v view) error { return v.ack(h.slot, h.id, next) })
}

// Changed returns a channel that is closed when new records may be
// available. Callers fetch a fresh channel after each wake-up.
func (h *Handle) Changed() <-chan struct{} {
	return h.entry.changed()
}

// Snapshot reports the channel's shared state.
func (h *Handle) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := h.do(func(v view) error {
		snap = takeSnapshot(h.entry.key, h.entry.base+segmentExt, v)
		return nil
	})
	return snap, err
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s slot %d", h.entry.key, h.slot)
}
