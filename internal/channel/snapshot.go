package channel

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"ipcbus/internal/logging"
)

// SlotInfo describes one attached connection.
type SlotInfo struct {
	Index        int       `json:"index"`
	PID          int       `json:"pid"`
	ConnectionID uuid.UUID `json:"connection_id"`
	AttachedAt   time.Time `json:"attached_at"`
	Cursor       uint64    `json:"cursor"`
	Backlog      uint64    `json:"backlog_bytes"`
	Delivered    uint64    `json:"delivered"`
	Consuming    bool      `json:"consuming"`
	Alive        bool      `json:"alive"`
}

// Snapshot is a point-in-time copy of a channel's shared state.
type Snapshot struct {
	Key            Key        `json:"key"`
	Path           string     `json:"path"`
	Capacity       uint64     `json:"capacity_bytes"`
	Used           uint64     `json:"used_bytes"`
	Head           uint64     `json:"head"`
	Tail           uint64     `json:"tail"`
	Attached       int        `json:"attached"`
	MaxConnections int        `json:"max_connections"`
	NextSeq        uint64     `json:"next_seq"`
	Enqueued       uint64     `json:"enqueued"`
	Evicted        uint64     `json:"evicted"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSendAt     time.Time  `json:"last_send_at,omitzero"`
	Slots          []SlotInfo `json:"slots"`
}

func takeSnapshot(key Key, path string, v view) Snapshot {
	snap := Snapshot{
		Key:            key,
		Path:           path,
		Capacity:       v.capacity(),
		Used:           v.used(),
		Head:           v.head(),
		Tail:           v.tail(),
		Attached:       v.attached(),
		MaxConnections: v.slotCount(),
		NextSeq:        v.nextSeq(),
		Enqueued:       v.enqueued(),
		Evicted:        v.evicted(),
		CreatedAt:      v.createdAt(),
		LastSendAt:     v.lastSend(),
	}
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) != slotAttached {
			continue
		}
		snap.Slots = append(snap.Slots, slotInfo(v, slot))
	}
	return snap
}

func slotInfo(v view, slot int) SlotInfo {
	pid := v.slotPID(slot)
	return SlotInfo{
		Index:        slot,
		PID:          pid,
		ConnectionID: v.slotID(slot),
		AttachedAt:   v.time(v.slotOff(slot) + slotAttachedOff),
		Cursor:       v.cursor(slot),
		Backlog:      v.backlog(slot),
		Delivered:    v.delivered(slot),
		Consuming:    v.consuming(slot),
		Alive:        pidAlive(pid),
	}
}

// withSegment runs fn on the live segment for key under the channel lock,
// whether or not this process is attached. It fails with
// ErrChannelUnavailable wrapping fs.ErrNotExist when no process has the
// channel open.
func (r *Registry) withSegment(key Key, fn func(path string, v view) error) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if ok {
		return e.withLock(func() error {
			if e.seg == nil {
				return wrap(ErrChannelUnavailable, "channel "+key.String()+" is closed", fs.ErrNotExist)
			}
			return fn(e.base+segmentExt, e.seg.view())
		})
	}

	base := filepath.Join(r.root, key.stem())
	path := base + segmentExt
	if _, err := os.Stat(path); err != nil {
		return wrap(ErrChannelUnavailable, "channel "+key.String(), err)
	}
	lock := flock.New(base + lockExt)
	if err := lock.Lock(); err != nil {
		return wrap(ErrChannelUnavailable, "lock "+base+lockExt, err)
	}
	defer func() { _ = lock.Unlock() }()

	seg, err := adoptSegment(path, key)
	if errors.Is(err, errUninitialized) {
		return wrap(ErrChannelUnavailable, "channel "+key.String()+" is not initialized", fs.ErrNotExist)
	}
	if err != nil {
		return err
	}
	defer func() { _ = seg.close() }()
	return fn(path, seg.view())
}

// Inspect reports the shared state of key without attaching to it. It fails
// with ErrChannelUnavailable wrapping fs.ErrNotExist when no process has the
// channel open.
func (r *Registry) Inspect(key Key) (Snapshot, error) {
	var snap Snapshot
	err := r.withSegment(key, func(path string, v view) error {
		snap = takeSnapshot(key, path, v)
		return nil
	})
	return snap, err
}

// Evict frees every attached slot of key for which match returns true and
// returns how many were freed. Their owners get ErrSlotLost from the next
// Enqueue, Read, or Ack. The segment stays in place until the next Release
// finds no slot attached.
func (r *Registry) Evict(key Key, match func(SlotInfo) bool) (int, error) {
	var freed []SlotInfo
	err := r.withSegment(key, func(path string, v view) error {
		for slot := 0; slot < v.slotCount(); slot++ {
			if v.slotState(slot) != slotAttached {
				continue
			}
			if info := slotInfo(v, slot); match(info) {
				v.freeSlot(slot)
				freed = append(freed, info)
			}
		}
		return nil
	})
	for _, info := range freed {
		logging.WarnWithContext(r.logger, "connection slot evicted", "slot_evicted",
			logging.String(logging.FieldChannel, key.String()),
			logging.String(logging.FieldConnection, info.ConnectionID.String()),
			logging.Int(logging.FieldSlot, info.Index),
			logging.Int("pid", info.PID),
			logging.String(logging.FieldErrorHint, "the owning connection must be reopened"),
			logging.String(logging.FieldImpact, "ring space held by the slot has been released"),
		)
	}
	return len(freed), err
}

// List reports every channel with a segment under the root, ordered by name
// then id. Segments that vanish or fail validation while listing are skipped.
func (r *Registry) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, wrap(ErrChannelUnavailable, "read channel root "+r.root, err)
	}
	var out []Snapshot
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), segmentExt) {
			continue
		}
		key, ok := peekKey(filepath.Join(r.root, de.Name()))
		if !ok {
			continue
		}
		snap, err := r.Inspect(key)
		if err != nil {
			r.logger.Debug("skipping channel", "file", de.Name(), "error", err)
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Name != out[j].Key.Name {
			return out[i].Key.Name < out[j].Key.Name
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out, nil
}

// peekKey reads the channel identity from a segment header. The name and id
// never change after initialization, so no lock is needed.
func peekKey(path string) (Key, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, false
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Key{}, false
	}
	v := view{buf: buf}
	if v.magic() != segmentMagic || v.version() != layoutVersion || v.closed() {
		return Key{}, false
	}
	return Key{Name: v.name(), ID: v.channelID()}, true
}
