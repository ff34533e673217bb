package channel

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record is one message read from the ring. Payload is a private copy owned by
// the caller. Next is the ring offset just past the record; pass it to Ack once
// the record has been delivered.
type Record struct {
	Seq      uint64
	Producer uuid.UUID
	SentAt   time.Time
	Payload  []byte
	Next     uint64
}

// The ring is addressed by monotonically increasing logical offsets; the
// physical position of an offset is offset % capacity. head is the oldest byte
// still needed by some attached slot, tail is where the next record goes.
// Records never straddle the end of the ring: the unused remainder is either
// covered by a padding record or, when too short for a record header, skipped
// implicitly by both writers and readers.

func (v view) used() uint64 { return v.tail() - v.head() }

func (v view) ringOff(offset uint64) int {
	return v.ringStart() + int(offset%v.capacity())
}

// reclaim advances head to the slowest attached cursor. With nobody attached
// the whole ring is free.
func (v view) reclaim() {
	low := v.tail()
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) != slotAttached {
			continue
		}
		if c := v.cursor(slot); c < low {
			low = c
		}
	}
	if low > v.head() {
		v.put64(hdrHead, low)
	}
}

// realign moves an empty ring's head and tail forward to offset, carrying any
// cursor parked at the old tail along with it.
func (v view) realign(offset uint64) {
	old := v.tail()
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) == slotAttached && v.cursor(slot) == old {
			v.setCursor(slot, offset)
		}
	}
	v.put64(hdrHead, offset)
	v.put64(hdrTail, offset)
}

// fits reports whether a record of span bytes can be appended without
// overwriting anything between head and tail.
func (v view) fits(span uint64) bool {
	capacity := v.capacity()
	gap := capacity - v.tail()%capacity
	if span > gap {
		return v.used() == 0 || v.used()+gap+span <= capacity
	}
	return v.used()+span <= capacity
}

// evictPending advances head past the oldest records until span fits, but
// never beyond a consuming slot's cursor. Slots that have not read yet lose
// the records skipped over; their cursors move to the new head.
func (v view) evictPending(span uint64) {
	capacity := v.capacity()
	floor := v.tail()
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) != slotAttached || !v.consuming(slot) {
			continue
		}
		if c := v.cursor(slot); c < floor {
			floor = c
		}
	}
	head := v.head()
	var evicted int
	for head < floor && !v.fits(span) {
		gap := capacity - head%capacity
		next := head + gap
		if gap >= recordHdrSize {
			off := v.ringOff(head)
			rec := recordSpan(int(v.u32(off + recSizeOff)))
			if rec > gap {
				break
			}
			next = head + rec
			if v.u32(off+recSlotOff) != padSlot {
				evicted++
			}
		}
		if next > floor {
			break
		}
		head = next
		v.put64(hdrHead, head)
	}
	for slot := 0; slot < v.slotCount(); slot++ {
		if v.slotState(slot) == slotAttached && v.cursor(slot) < head {
			v.setCursor(slot, head)
		}
	}
	if evicted > 0 {
		v.put64(hdrEvicted, v.evicted()+uint64(evicted))
	}
}

// enqueue appends one record on behalf of slot and returns its sequence
// number. When the sender's own cursor sits at the tail it moves past the new
// record. A full ring first sheds records that only non-consuming slots still
// hold, so connections that never read cannot block senders.
func (v view) enqueue(slot int, producer uuid.UUID, payload []byte, now time.Time) (uint64, error) {
	capacity := v.capacity()
	span := recordSpan(len(payload))
	if span > capacity {
		return 0, wrap(ErrMessageTooLarge, strconv.Itoa(len(payload))+" bytes exceeds ring capacity "+strconv.FormatUint(capacity, 10), nil)
	}
	if !v.ownedBy(slot, producer) {
		return 0, wrap(ErrChannelUnavailable, "slot "+strconv.Itoa(slot), ErrSlotLost)
	}
	v.reclaim()
	if !v.fits(span) {
		v.evictPending(span)
		if !v.fits(span) {
			return 0, wrap(ErrChannelFull, "ring saturated by pending records", nil)
		}
	}

	gap := capacity - v.tail()%capacity
	if span > gap && v.used() == 0 {
		v.realign(v.tail() + gap)
		gap = capacity
	}

	start := v.tail()
	caughtUp := v.cursor(slot) == start
	tail := start
	if span > gap {
		if gap >= recordHdrSize {
			off := v.ringOff(tail)
			v.put32(off+recSizeOff, uint32(gap-recordHdrSize))
			v.put32(off+recSlotOff, padSlot)
		}
		tail += gap
	}

	seq := v.nextSeq()
	off := v.ringOff(tail)
	v.put32(off+recSizeOff, uint32(len(payload)))
	v.put32(off+recSlotOff, uint32(slot))
	v.put64(off+recSeqOff, seq)
	v.putTime(off+recSentAtOff, now)
	copy(v.buf[off+recProducerOff:off+recProducerOff+uuidLen], producer[:])
	copy(v.buf[off+recordHdrSize:], payload)
	tail += span

	v.put64(hdrTail, tail)
	v.put64(hdrNextSeq, seq+1)
	v.put64(hdrEnqueued, v.enqueued()+1)
	v.putTime(hdrLastSend, now)
	if caughtUp {
		v.setCursor(slot, tail)
	}
	return seq, nil
}

// read returns up to limit records after slot's cursor, skipping padding and
// records the slot produced itself. The cursor is left alone when records are
// returned; when the scan found nothing deliverable it is moved to the end of
// the scan so skipped records stop pinning the ring.
func (v view) read(slot int, self uuid.UUID, limit int) ([]Record, error) {
	if !v.ownedBy(slot, self) {
		return nil, wrap(ErrChannelUnavailable, "slot "+strconv.Itoa(slot), ErrSlotLost)
	}
	if limit <= 0 {
		limit = 1
	}
	v.markConsuming(slot)
	capacity := v.capacity()
	cursor := v.cursor(slot)
	tail := v.tail()
	var out []Record
	for cursor < tail && len(out) < limit {
		gap := capacity - cursor%capacity
		if gap < recordHdrSize {
			cursor += gap
			continue
		}
		off := v.ringOff(cursor)
		size := int(v.u32(off + recSizeOff))
		owner := v.u32(off + recSlotOff)
		span := recordSpan(size)
		if span > gap {
			return nil, wrap(ErrChannelUnavailable, "corrupt record at offset "+strconv.FormatUint(cursor, 10), nil)
		}
		next := cursor + span
		if owner == padSlot {
			cursor = next
			continue
		}
		var producer uuid.UUID
		copy(producer[:], v.buf[off+recProducerOff:off+recProducerOff+uuidLen])
		if int(owner) == slot && producer == self {
			cursor = next
			continue
		}
		payload := make([]byte, size)
		copy(payload, v.buf[off+recordHdrSize:off+recordHdrSize+size])
		out = append(out, Record{
			Seq:      v.u64(off + recSeqOff),
			Producer: producer,
			SentAt:   v.time(off + recSentAtOff),
			Payload:  payload,
			Next:     next,
		})
		cursor = next
	}
	if len(out) == 0 && cursor != v.cursor(slot) {
		v.setCursor(slot, cursor)
		v.reclaim()
	}
	return out, nil
}

// subscribe marks slot as consuming so its unread records are kept until it
// acknowledges them.
func (v view) subscribe(slot int, self uuid.UUID) error {
	if !v.ownedBy(slot, self) {
		return wrap(ErrChannelUnavailable, "slot "+strconv.Itoa(slot), ErrSlotLost)
	}
	v.markConsuming(slot)
	return nil
}

// ack moves slot's cursor to next and counts one delivery. Offsets behind the
// cursor or beyond the tail are ignored.
func (v view) ack(slot int, self uuid.UUID, next uint64) error {
	if !v.ownedBy(slot, self) {
		return wrap(ErrChannelUnavailable, "slot "+strconv.Itoa(slot), ErrSlotLost)
	}
	if next <= v.cursor(slot) || next > v.tail() {
		return nil
	}
	v.setCursor(slot, next)
	off := v.slotOff(slot) + slotDeliveredOff
	v.put64(off, v.u64(off)+1)
	v.reclaim()
	return nil
}

// backlog is the number of ring bytes slot has yet to consume.
func (v view) backlog(slot int) uint64 {
	c := v.cursor(slot)
	if t := v.tail(); t > c {
		return t - c
	}
	return 0
}
