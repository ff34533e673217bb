package channel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"ipcbus/internal/logging"
)

func testRegistry(t *testing.T, reap bool) *Registry {
	t.Helper()
	reg, err := NewRegistry(Options{Root: t.TempDir(), ReapStale: reap}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestResolveRejectsForeignSegment(t *testing.T) {
	reg := testRegistry(t, false)
	key, _ := NewKey("foreign", 1)
	path := filepath.Join(reg.Root(), key.stem()+segmentExt)
	junk := make([]byte, 8192)
	copy(junk, "not an ipcbus segment")
	if err := os.WriteFile(path, junk, 0o600); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	if _, err := reg.Resolve(key, uuid.New()); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("Resolve err = %v, want ErrChannelUnavailable", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign file was removed: %v", err)
	}
}

func TestResolveInitializesAbandonedEmptySegment(t *testing.T) {
	reg := testRegistry(t, false)
	key, _ := NewKey("abandoned", 1)
	path := filepath.Join(reg.Root(), key.stem()+segmentExt)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write empty segment: %v", err)
	}

	h, err := reg.Resolve(key, uuid.New())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer reg.Release(h)
	snap, err := h.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Attached != 1 || snap.Capacity != defaultCap {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestResolveReapsSlotsOfExitedProcesses(t *testing.T) {
	reg := testRegistry(t, true)
	key, _ := NewKey("reap", 1)
	orphan, err := reg.Resolve(key, uuid.New())
	if err != nil {
		t.Fatalf("Resolve orphan: %v", err)
	}
	// Pretend the orphan's owner exited: pids above the kernel limit never exist.
	err = orphan.do(func(v view) error {
		v.put32(v.slotOff(orphan.Slot())+slotPIDOff, 1<<30)
		return nil
	})
	if err != nil {
		t.Fatalf("rewrite pid: %v", err)
	}

	fresh, err := reg.Resolve(key, uuid.New())
	if err != nil {
		t.Fatalf("Resolve fresh: %v", err)
	}
	snap, err := fresh.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Attached != 1 || len(snap.Slots) != 1 || snap.Slots[0].ConnectionID != fresh.ID() {
		t.Fatalf("orphan slot not reaped: %+v", snap.Slots)
	}
	if _, err := orphan.Read(1); !errors.Is(err, ErrChannelUnavailable) || !errors.Is(err, ErrSlotLost) {
		t.Fatalf("orphan Read err = %v, want ErrSlotLost", err)
	}
	if _, err := orphan.Enqueue([]byte("late")); !errors.Is(err, ErrSlotLost) {
		t.Fatalf("orphan Enqueue err = %v, want ErrSlotLost", err)
	}
	if err := orphan.Subscribe(); !errors.Is(err, ErrSlotLost) {
		t.Fatalf("orphan Subscribe err = %v, want ErrSlotLost", err)
	}

	if err := reg.Release(orphan); err != nil {
		t.Fatalf("Release orphan: %v", err)
	}
	if err := reg.Release(fresh); err != nil {
		t.Fatalf("Release fresh: %v", err)
	}
	if _, err := os.Stat(filepath.Join(reg.Root(), key.stem()+segmentExt)); !os.IsNotExist(err) {
		t.Fatalf("segment not removed after last release: %v", err)
	}
}

func TestOpenSegmentReinitializesClosedSegment(t *testing.T) {
	key, _ := NewKey("closed", 1)
	path := filepath.Join(t.TempDir(), key.stem()+segmentExt)
	now := time.Unix(1_700_000_000, 0)

	seg, created, err := openSegment(path, key, minCapacity, 2, now)
	if err != nil || !created {
		t.Fatalf("openSegment: created=%v err=%v", created, err)
	}
	v := seg.view()
	if _, err := v.claimSlot(uuid.New(), os.Getpid(), now); err != nil {
		t.Fatalf("claimSlot: %v", err)
	}
	v.markClosed()
	if err := seg.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := peekKey(path); ok {
		t.Fatal("closed segment listed as a live channel")
	}

	again, created, err := openSegment(path, key, minCapacity, 2, now)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.close()
	if !created {
		t.Fatal("closed segment was adopted instead of reinitialized")
	}
	if v := again.view(); v.closed() || v.attached() != 0 {
		t.Fatalf("reinitialized segment closed=%v attached=%d", v.closed(), v.attached())
	}
}

func TestStemSeparatesSimilarNames(t *testing.T) {
	x, _ := NewKey("build log", 1)
	y, _ := NewKey("build-log", 1)
	if x.stem() == y.stem() {
		t.Fatalf("distinct names share stem %s", x.stem())
	}
	z, _ := NewKey("build log", 2)
	if x.stem() == z.stem() {
		t.Fatalf("distinct ids share stem %s", x.stem())
	}
}
