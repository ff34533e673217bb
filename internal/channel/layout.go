package channel

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
)

// Segment layout. Every multi-byte field is little-endian; offsets are
// relative to the start of the mapping.
//
//	header   [0, headerSize)
//	slots    [headerSize, headerSize+slots*slotSize)
//	ring     [ringStart, ringStart+capacity)
const (
	segmentMagic   uint32 = 0x42435049 // "IPCB"
	layoutVersion  uint32 = 2
	headerSize            = 384
	slotSize              = 56
	recordHdrSize         = 40
	maxNameBytes          = 256
	recordAlign           = 8
	padSlot        uint32 = math.MaxUint32
	slotFree       uint32 = 0
	slotAttached   uint32 = 1
	minCapacity           = 4 << 10
	maxCapacity           = 1 << 30
	maxSlotCount          = 1024
	defaultSlots          = 32
	defaultCap            = 1 << 20
	uuidLen               = 16
	nameFieldStart        = 128
)

const (
	hdrMagic     = 0
	hdrVersion   = 4
	hdrCapacity  = 8
	hdrSlots     = 12
	hdrAttached  = 16
	hdrNameLen   = 20
	hdrNextSeq   = 24
	hdrHead      = 32
	hdrTail      = 40
	hdrCreated   = 48
	hdrLastSend  = 56
	hdrEnqueued  = 64
	hdrChannelID = 72
	hdrClosed    = 80
	hdrEvicted   = 88
)

const (
	slotStateOff     = 0
	slotPIDOff       = 4
	slotCursorOff    = 8
	slotIDOff        = 16
	slotAttachedOff  = 32
	slotDeliveredOff = 40
	slotFlagsOff     = 48
)

// Slot flags.
const (
	// slotConsuming is set once a slot first reads. Until then its backlog
	// is kept only while the ring has room to spare.
	slotConsuming uint32 = 1 << 0
)

const (
	recSizeOff     = 0
	recSlotOff     = 4
	recSeqOff      = 8
	recSentAtOff   = 16
	recProducerOff = 24
)

var le = binary.LittleEndian

// segmentSize returns the mapping length for a geometry.
func segmentSize(capacity uint64, slots int) int {
	return headerSize + slots*slotSize + int(capacity)
}

// recordSpan is the ring footprint of a record carrying size payload bytes.
func recordSpan(size int) uint64 {
	n := uint64(recordHdrSize + size)
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

// normalizeCapacity clamps and aligns a requested ring size.
func normalizeCapacity(capacity int) uint64 {
	if capacity <= 0 {
		capacity = defaultCap
	}
	if capacity < minCapacity {
		capacity = minCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	return uint64(capacity) &^ (recordAlign - 1)
}

func normalizeSlots(slots int) int {
	if slots <= 0 {
		return defaultSlots
	}
	if slots > maxSlotCount {
		return maxSlotCount
	}
	return slots
}

// view interprets a mapped segment. It performs no locking; callers hold the
// channel lock for the duration of any access.
type view struct {
	buf []byte
}

func (v view) u32(off int) uint32 { return le.Uint32(v.buf[off:]) }
func (v view) u64(off int) uint64 { return le.Uint64(v.buf[off:]) }
func (v view) put32(off int, x uint32) { le.PutUint32(v.buf[off:], x) }
func (v view) put64(off int, x uint64) { le.PutUint64(v.buf[off:], x) }
func (v view) putTime(off int, t time.Time) { v.put64(off, uint64(t.UnixNano())) }

func (v view) time(off int) time.Time {
	n := int64(v.u64(off))
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (v view) magic() uint32 { return v.u32(hdrMagic) }
func (v view) version() uint32 { return v.u32(hdrVersion) }
func (v view) capacity() uint64 { return uint64(v.u32(hdrCapacity)) }
func (v view) slotCount() int { return int(v.u32(hdrSlots)) }
func (v view) attached() int { return int(v.u32(hdrAttached)) }
func (v view) nextSeq() uint64 { return v.u64(hdrNextSeq) }
func (v view) head() uint64 { return v.u64(hdrHead) }
func (v view) tail() uint64 { return v.u64(hdrTail) }
func (v view) enqueued() uint64 { return v.u64(hdrEnqueued) }
func (v view) channelID() int64 { return int64(v.u64(hdrChannelID)) }
func (v view) createdAt() time.Time { return v.time(hdrCreated) }
func (v view) lastSend() time.Time { return v.time(hdrLastSend) }
func (v view) evicted() uint64 { return v.u64(hdrEvicted) }
func (v view) closed() bool { return v.u32(hdrClosed) != 0 }

// markClosed flags the segment as torn down. The last detaching process sets
// it just before unlinking, so a stale mapping never looks live.
func (v view) markClosed() { v.put32(hdrClosed, 1) }

func (v view) name() string {
	n := int(v.u32(hdrNameLen))
	if n > maxNameBytes {
		n = maxNameBytes
	}
	return string(v.buf[nameFieldStart : nameFieldStart+n])
}

func (v view) ringStart() int {
	return headerSize + v.slotCount()*slotSize
}

// initialize writes a fresh header for key. The caller has sized buf with
// segmentSize(capacity, slots).
func (v view) initialize(key Key, capacity uint64, slots int, now time.Time) {
	clear(v.buf[:headerSize+slots*slotSize])
	v.put32(hdrMagic, segmentMagic)
	v.put32(hdrVersion, layoutVersion)
	v.put32(hdrCapacity, uint32(capacity))
	v.put32(hdrSlots, uint32(slots))
	v.put32(hdrAttached, 0)
	v.put32(hdrNameLen, uint32(len(key.Name)))
	v.put64(hdrNextSeq, 1)
	v.put64(hdrHead, 0)
	v.put64(hdrTail, 0)
	v.putTime(hdrCreated, now)
	v.put64(hdrLastSend, 0)
	v.put64(hdrEnqueued, 0)
	v.put64(hdrChannelID, uint64(key.ID))
	v.put32(hdrClosed, 0)
	v.put64(hdrEvicted, 0)
	copy(v.buf[nameFieldStart:nameFieldStart+maxNameBytes], key.Name)
}

// validate checks that a mapped segment belongs to key and that its declared
// geometry matches the mapping.
func (v view) validate(key Key) error {
	if len(v.buf) < headerSize {
		return wrap(ErrChannelUnavailable, "segment shorter than header", nil)
	}
	if v.magic() != segmentMagic {
		return wrap(ErrChannelUnavailable, "segment has foreign magic", nil)
	}
	if v.version() != layoutVersion {
		return wrap(ErrChannelUnavailable, "segment layout version mismatch", nil)
	}
	if v.channelID() != key.ID || v.name() != key.Name {
		return wrap(ErrChannelUnavailable, "segment belongs to channel "+v.name(), nil)
	}
	capacity := v.capacity()
	slots := v.slotCount()
	if capacity < minCapacity || capacity > maxCapacity || slots <= 0 || slots > maxSlotCount {
		return wrap(ErrChannelUnavailable, "segment geometry out of range", nil)
	}
	if len(v.buf) != segmentSize(capacity, slots) {
		return wrap(ErrChannelUnavailable, "segment size does not match its header", nil)
	}
	return nil
}

// Slot table.

func (v view) slotOff(slot int) int {
	return headerSize + slot*slotSize
}

func (v view) slotState(slot int) uint32 { return v.u32(v.slotOff(slot) + slotStateOff) }
func (v view) slotPID(slot int) int { return int(v.u32(v.slotOff(slot) + slotPIDOff)) }
func (v view) cursor(slot int) uint64 { return v.u64(v.slotOff(slot) + slotCursorOff) }

func (v view) setCursor(slot int, cursor uint64) {
	v.put64(v.slotOff(slot)+slotCursorOff, cursor)
}

func (v view) slotID(slot int) uuid.UUID {
	var id uuid.UUID
	off := v.slotOff(slot) + slotIDOff
	copy(id[:], v.buf[off:off+uuidLen])
	return id
}

func (v view) slotFlags(slot int) uint32 { return v.u32(v.slotOff(slot) + slotFlagsOff) }

func (v view) consuming(slot int) bool { return v.slotFlags(slot)&slotConsuming != 0 }

func (v view) markConsuming(slot int) {
	off := v.slotOff(slot) + slotFlagsOff
	v.put32(off, v.u32(off)|slotConsuming)
}

func (v view) delivered(slot int) uint64 {
	return v.u64(v.slotOff(slot) + slotDeliveredOff)
}

// claimSlot attaches a new reader whose cursor starts at the current tail, so
// it never observes records enqueued before it joined.
func (v view) claimSlot(id uuid.UUID, pid int, now time.Time) (int, error) {
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) != slotFree {
			continue
		}
		off := v.slotOff(slot)
		clear(v.buf[off : off+slotSize])
		v.put32(off+slotStateOff, slotAttached)
		v.put32(off+slotPIDOff, uint32(pid))
		v.put64(off+slotCursorOff, v.tail())
		copy(v.buf[off+slotIDOff:off+slotIDOff+uuidLen], id[:])
		v.putTime(off+slotAttachedOff, now)
		v.put32(hdrAttached, v.u32(hdrAttached)+1)
		return slot, nil
	}
	return -1, wrap(ErrChannelUnavailable, "all connection slots are in use", nil)
}

// freeSlot detaches slot and returns the remaining attached count.
func (v view) freeSlot(slot int) int {
	if slot < 0 || slot >= v.slotCount() || v.slotState(slot) == slotFree {
		return v.attached()
	}
	off := v.slotOff(slot)
	clear(v.buf[off : off+slotSize])
	if n := v.u32(hdrAttached); n > 0 {
		v.put32(hdrAttached, n-1)
	}
	v.reclaim()
	return v.attached()
}

// reapSlots frees every attached slot whose owner alive reports as gone and
// returns the freed indexes.
func (v view) reapSlots(alive func(pid int) bool) []int {
	var reaped []int
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) != slotAttached {
			continue
		}
		if alive(v.slotPID(slot)) {
			continue
		}
		v.freeSlot(slot)
		reaped = append(reaped, slot)
	}
	return reaped
}

// ownedBy reports whether slot is attached and held by id.
func (v view) ownedBy(slot int, id uuid.UUID) bool {
	return slot >= 0 && slot < v.slotCount() && v.slotState(slot) == slotAttached && v.slotID(slot) == id
}
