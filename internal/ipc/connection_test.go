package ipc_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ipcbus/internal/channel"
	"ipcbus/internal/ipc"
	"ipcbus/internal/message"
	"ipcbus/internal/metrics"
	"ipcbus/internal/testsupport"
)

type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) add(msg message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Message(nil), c.msgs...)
}

func (c *collector) payloads() []string {
	msgs := c.messages()
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = string(msg.Data())
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustSend(t *testing.T, conn *ipc.Connection, payload string) {
	t.Helper()
	if err := conn.Send(message.New([]byte(payload))); err != nil {
		t.Fatalf("send %q: %v", payload, err)
	}
}

func startCollecting(t *testing.T, conn *ipc.Connection) *collector {
	t.Helper()
	c := &collector{}
	conn.SetCallback(c.add)
	if err := conn.StartAutoDispatch(); err != nil {
		t.Fatalf("StartAutoDispatch: %v", err)
	}
	return c
}

func TestDemoScenarioDeliversInOrder(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	a := testsupport.MustOpen(t, reg, "demo", 1)
	b := testsupport.MustOpen(t, reg, "demo", 1)
	received := startCollecting(t, b)

	for _, p := range []string{"m1", "m2", "m3"} {
		mustSend(t, a, p)
	}
	waitFor(t, "three messages", func() bool { return received.len() >= 3 })

	if got := strings.Join(received.payloads(), ","); got != "m1,m2,m3" {
		t.Fatalf("received %s, want m1,m2,m3", got)
	}
	for i, msg := range received.messages() {
		if msg.Producer() != a.ID() {
			t.Fatalf("message %d producer = %s, want %s", i, msg.Producer(), a.ID())
		}
		if msg.Seq() != uint64(i+1) {
			t.Fatalf("message %d seq = %d, want %d", i, msg.Seq(), i+1)
		}
	}
	if stats := b.Stats(); stats.Delivered != 3 {
		t.Fatalf("delivered = %d, want 3", stats.Delivered)
	}
	if stats := a.Stats(); stats.Sent != 3 {
		t.Fatalf("sent = %d, want 3", stats.Sent)
	}
}

func TestConsumerObservesSingleTotalOrder(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	consumer := testsupport.MustOpen(t, reg, "fan-in", 1)
	received := startCollecting(t, consumer)

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		conn := testsupport.MustOpen(t, reg, "fan-in", 1)
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := message.New([]byte(fmt.Sprintf("%d:%d", s, i)))
				if err := conn.Send(msg); err != nil {
					t.Errorf("sender %d send %d: %v", s, i, err)
					return
				}
			}
		}(s)
	}
	wg.Wait()
	waitFor(t, "all messages", func() bool { return received.len() >= senders*perSender })

	last := make(map[string]int)
	var prevSeq uint64
	for _, msg := range received.messages() {
		if msg.Seq() <= prevSeq {
			t.Fatalf("seq %d delivered after %d", msg.Seq(), prevSeq)
		}
		prevSeq = msg.Seq()
		var s, i int
		if _, err := fmt.Sscanf(string(msg.Data()), "%d:%d", &s, &i); err != nil {
			t.Fatalf("parse %q: %v", msg.Data(), err)
		}
		key := fmt.Sprint(s)
		if prev, ok := last[key]; ok && i != prev+1 {
			t.Fatalf("sender %d: message %d followed %d", s, i, prev)
		}
		last[key] = i
	}
}

func TestLateAttachSeesOnlyLaterMessages(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	a := testsupport.MustOpen(t, reg, "late", 1)
	early := testsupport.MustOpen(t, reg, "late", 1)
	earlyGot := startCollecting(t, early)

	mustSend(t, a, "m1")
	b := testsupport.MustOpen(t, reg, "late", 1)
	lateGot := startCollecting(t, b)
	mustSend(t, a, "m2")

	waitFor(t, "early receiver", func() bool { return earlyGot.len() >= 2 })
	waitFor(t, "late receiver", func() bool { return lateGot.len() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if got := lateGot.payloads(); len(got) != 1 || got[0] != "m2" {
		t.Fatalf("late receiver got %v, want [m2]", got)
	}
}

func TestOwnMessagesAreNotDelivered(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	a := testsupport.MustOpen(t, reg, "echo", 1)
	b := testsupport.MustOpen(t, reg, "echo", 1)
	aGot := startCollecting(t, a)
	bGot := startCollecting(t, b)

	mustSend(t, a, "from-a")
	mustSend(t, b, "from-b")
	waitFor(t, "both deliveries", func() bool { return aGot.len() >= 1 && bGot.len() >= 1 })
	time.Sleep(30 * time.Millisecond)

	if got := aGot.payloads(); len(got) != 1 || got[0] != "from-b" {
		t.Fatalf("a received %v", got)
	}
	if got := bGot.payloads(); len(got) != 1 || got[0] != "from-a" {
		t.Fatalf("b received %v", got)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	a := testsupport.MustOpen(t, reg, "closed", 1)
	b := testsupport.MustOpen(t, reg, "closed", 1)
	received := startCollecting(t, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send(message.New([]byte("x"))); !errors.Is(err, ipc.ErrConnectionClosed) {
		t.Fatalf("Send after Close err = %v, want ErrConnectionClosed", err)
	}
	if err := a.StartAutoDispatch(); !errors.Is(err, ipc.ErrConnectionClosed) {
		t.Fatalf("StartAutoDispatch after Close err = %v, want ErrConnectionClosed", err)
	}
	a.SetCallback(func(message.Message) {})
	a.StopAutoDispatch()
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if a.State() != ipc.StateClosed {
		t.Fatalf("state = %s, want closed", a.State())
	}

	time.Sleep(50 * time.Millisecond)
	if n := received.len(); n != 0 {
		t.Fatalf("receiver got %d messages from a closed sender", n)
	}
}

func TestStartWithoutCallbackFails(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	conn := testsupport.MustOpen(t, reg, "nocb", 1)
	if err := conn.StartAutoDispatch(); !errors.Is(err, ipc.ErrNoCallbackRegistered) {
		t.Fatalf("err = %v, want ErrNoCallbackRegistered", err)
	}
	if conn.State() != ipc.StateOpen {
		t.Fatalf("state = %s, want open", conn.State())
	}
}

func TestDispatchStartStopIsIdempotent(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	conn := testsupport.MustOpen(t, reg, "idem", 1)
	conn.StopAutoDispatch()

	conn.SetCallback(func(message.Message) {})
	for i := 0; i < 2; i++ {
		if err := conn.StartAutoDispatch(); err != nil {
			t.Fatalf("StartAutoDispatch #%d: %v", i+1, err)
		}
		if conn.State() != ipc.StateDispatching {
			t.Fatalf("state = %s, want dispatching", conn.State())
		}
	}
	conn.StopAutoDispatch()
	conn.StopAutoDispatch()
	if conn.State() != ipc.StateOpen {
		t.Fatalf("state = %s, want open", conn.State())
	}
}

func TestNoCallbackAfterStopUnderConcurrentSends(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	sender := testsupport.MustOpen(t, reg, "stop", 1)
	receiver := testsupport.MustOpen(t, reg, "stop", 1)

	var calls atomic.Int64
	var afterStop atomic.Bool
	var late atomic.Int64
	receiver.SetCallback(func(message.Message) {
		if afterStop.Load() {
			late.Add(1)
		}
		calls.Add(1)
	})
	if err := receiver.StartAutoDispatch(); err != nil {
		t.Fatalf("StartAutoDispatch: %v", err)
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-quit:
				return
			default:
			}
			err := sender.Send(message.New([]byte("tick")))
			if err != nil && !errors.Is(err, ipc.ErrChannelFull) {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()

	waitFor(t, "some deliveries", func() bool { return calls.Load() >= 10 })
	receiver.StopAutoDispatch()
	afterStop.Store(true)
	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	close(quit)
	wg.Wait()

	if late.Load() != 0 || calls.Load() != before {
		t.Fatalf("callback ran %d times after StopAutoDispatch returned", calls.Load()-before)
	}
}

func TestRestartResumesWithoutLoss(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	sender := testsupport.MustOpen(t, reg, "resume", 1)
	receiver := testsupport.MustOpen(t, reg, "resume", 1)
	received := startCollecting(t, receiver)

	mustSend(t, sender, "m1")
	waitFor(t, "m1", func() bool { return received.len() >= 1 })
	receiver.StopAutoDispatch()
	mustSend(t, sender, "m2")
	mustSend(t, sender, "m3")
	if err := receiver.StartAutoDispatch(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "m2 and m3", func() bool { return received.len() >= 3 })
	if got := strings.Join(received.payloads(), ","); got != "m1,m2,m3" {
		t.Fatalf("received %s", got)
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	m := metrics.New()
	var reported []error
	var reportedMu sync.Mutex
	sender := testsupport.MustOpen(t, reg, "panic", 1)
	receiver := testsupport.MustOpen(t, reg, "panic", 1,
		ipc.WithMetrics(m),
		ipc.WithErrorHandler(func(err error) {
			reportedMu.Lock()
			reported = append(reported, err)
			reportedMu.Unlock()
		}),
	)

	received := &collector{}
	receiver.SetCallback(func(msg message.Message) {
		if string(msg.Data()) == "boom" {
			panic("bad message")
		}
		received.add(msg)
	})
	if err := receiver.StartAutoDispatch(); err != nil {
		t.Fatalf("StartAutoDispatch: %v", err)
	}

	mustSend(t, sender, "boom")
	mustSend(t, sender, "after")
	waitFor(t, "delivery after panic", func() bool { return received.len() >= 1 })

	if got := received.payloads(); got[0] != "after" {
		t.Fatalf("received %v", got)
	}
	reportedMu.Lock()
	defer reportedMu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], ipc.ErrCallbackPanic) {
		t.Fatalf("reported errors = %v, want one ErrCallbackPanic", reported)
	}
	if stats := receiver.Stats(); stats.CallbackPanics != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCallbackCanSendOnItsConnection(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	client := testsupport.MustOpen(t, reg, "rpc", 1)
	server := testsupport.MustOpen(t, reg, "rpc", 1)

	server.SetCallback(func(msg message.Message) {
		reply := append([]byte("re:"), msg.Data()...)
		if err := server.Send(message.New(reply)); err != nil {
			t.Errorf("reply: %v", err)
		}
	})
	if err := server.StartAutoDispatch(); err != nil {
		t.Fatalf("StartAutoDispatch: %v", err)
	}
	replies := startCollecting(t, client)

	mustSend(t, client, "ping")
	waitFor(t, "reply", func() bool { return replies.len() >= 1 })
	if got := replies.payloads()[0]; got != "re:ping" {
		t.Fatalf("reply = %q", got)
	}
}

func TestSetCallbackSwapsForLaterDeliveries(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	sender := testsupport.MustOpen(t, reg, "swap", 1)
	receiver := testsupport.MustOpen(t, reg, "swap", 1)
	first := startCollecting(t, receiver)

	mustSend(t, sender, "m1")
	waitFor(t, "first callback", func() bool { return first.len() >= 1 })

	second := &collector{}
	receiver.SetCallback(second.add)
	mustSend(t, sender, "m2")
	waitFor(t, "second callback", func() bool { return second.len() >= 1 })

	if first.len() != 1 || second.payloads()[0] != "m2" {
		t.Fatalf("first=%v second=%v", first.payloads(), second.payloads())
	}
}

func TestStoppedConsumerFillsChannel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCapacityKiB(4))
	reg := testsupport.NewRegistry(t, cfg)
	m := metrics.New()
	sender := testsupport.MustOpen(t, reg, "full", 1, ipc.WithMetrics(m))
	receiver := testsupport.MustOpen(t, reg, "full", 1)
	startCollecting(t, receiver)
	receiver.StopAutoDispatch()

	payload := make([]byte, 512)
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		err = sender.Send(message.New(payload))
	}
	if !errors.Is(err, ipc.ErrChannelFull) {
		t.Fatalf("err = %v, want ErrChannelFull", err)
	}
	if stats := sender.Stats(); stats.SendFailures != 1 {
		t.Fatalf("send failures = %d, want 1", stats.SendFailures)
	}

	if err := sender.Send(message.New(make([]byte, 8192))); !errors.Is(err, ipc.ErrMessageTooLarge) {
		t.Fatalf("oversize err = %v, want ErrMessageTooLarge", err)
	}
}

func TestSendOnlyConnectionsDoNotWedgeChannel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCapacityKiB(4))
	reg := testsupport.NewRegistry(t, cfg)
	receiver := testsupport.MustOpen(t, reg, "senders", 1)
	received := startCollecting(t, receiver)
	a := testsupport.MustOpen(t, reg, "senders", 1)
	b := testsupport.MustOpen(t, reg, "senders", 1)

	const total = 400
	payload := strings.Repeat("x", 200)
	for i := 0; i < total; i++ {
		conn := a
		if i%2 == 1 {
			conn = b
		}
		msg := message.New([]byte(fmt.Sprintf("%03d%s", i, payload)))
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := conn.Send(msg)
			if err == nil {
				break
			}
			if !errors.Is(err, ipc.ErrChannelFull) || time.Now().After(deadline) {
				t.Fatalf("send %d: %v (delivered %d)", i, err, received.len())
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(t, "every message", func() bool { return received.len() >= total })
	for i, got := range received.payloads() {
		if want := fmt.Sprintf("%03d", i); got[:3] != want {
			t.Fatalf("message %d = %s..., want %s", i, got[:3], want)
		}
	}
}

func TestLateStartReceivesMessagesSentSinceOpen(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	receiver := testsupport.MustOpen(t, reg, "demo", 1)
	sender := testsupport.MustOpen(t, reg, "demo", 1)

	for _, p := range []string{"m1", "m2", "m3"} {
		mustSend(t, sender, p)
	}
	received := startCollecting(t, receiver)
	waitFor(t, "three messages", func() bool { return received.len() >= 3 })
	if got := strings.Join(received.payloads(), ","); got != "m1,m2,m3" {
		t.Fatalf("received %s", got)
	}
}

func TestEvictedConnectionStopsAndRejectsSends(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	var reported atomic.Int64
	receiver := testsupport.MustOpen(t, reg, "evicted", 1, ipc.WithErrorHandler(func(err error) {
		if errors.Is(err, ipc.ErrConnectionClosed) {
			reported.Add(1)
		}
	}))
	sender := testsupport.MustOpen(t, reg, "evicted", 1)
	startCollecting(t, receiver)

	freed, err := reg.Evict(receiver.Key(), func(slot channel.SlotInfo) bool {
		return slot.ConnectionID == receiver.ID()
	})
	if err != nil || freed != 1 {
		t.Fatalf("Evict: freed=%d err=%v", freed, err)
	}
	mustSend(t, sender, "wake")

	waitFor(t, "connection retired", func() bool { return receiver.State() == ipc.StateClosed })
	time.Sleep(50 * time.Millisecond)
	if got := reported.Load(); got != 1 {
		t.Fatalf("error handler saw %d closed errors, want exactly 1", got)
	}
	if err := receiver.Send(message.New([]byte("x"))); !errors.Is(err, ipc.ErrConnectionClosed) {
		t.Fatalf("Send err = %v, want ErrConnectionClosed", err)
	}
	if err := receiver.StartAutoDispatch(); !errors.Is(err, ipc.ErrConnectionClosed) {
		t.Fatalf("StartAutoDispatch err = %v, want ErrConnectionClosed", err)
	}
	if err := receiver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mustSend(t, sender, "after")
}

func TestEvictedSenderFailsClosed(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	sender := testsupport.MustOpen(t, reg, "evicted-sender", 1)
	testsupport.MustOpen(t, reg, "evicted-sender", 1)

	if _, err := reg.Evict(sender.Key(), func(slot channel.SlotInfo) bool {
		return slot.ConnectionID == sender.ID()
	}); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	err := sender.Send(message.New([]byte("x")))
	if !errors.Is(err, ipc.ErrConnectionClosed) || !errors.Is(err, channel.ErrSlotLost) {
		t.Fatalf("Send err = %v, want ErrConnectionClosed wrapping ErrSlotLost", err)
	}
	if sender.State() != ipc.StateClosed {
		t.Fatalf("state = %s, want closed", sender.State())
	}
}

func TestSendValueRejectsStrings(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	conn := testsupport.MustOpen(t, reg, "values", 1)
	if err := conn.SendValue("text"); !errors.Is(err, ipc.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if err := conn.SendValue([]byte("bytes")); err != nil {
		t.Fatalf("SendValue([]byte): %v", err)
	}
}

func TestOpenRejectsInvalidName(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	if _, err := ipc.Open(reg, "  ", 1); !errors.Is(err, ipc.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	if _, err := ipc.Open(nil, "demo", 1); !errors.Is(err, ipc.ErrChannelUnavailable) {
		t.Fatalf("nil registry err = %v", err)
	}
}

func TestChannelsWithDifferentIDsAreIndependent(t *testing.T) {
	reg := testsupport.NewRegistry(t, nil)
	a := testsupport.MustOpen(t, reg, "split", 1)
	other := testsupport.MustOpen(t, reg, "split", 2)
	peer := testsupport.MustOpen(t, reg, "split", 1)
	otherGot := startCollecting(t, other)
	peerGot := startCollecting(t, peer)

	mustSend(t, a, "only-1")
	waitFor(t, "peer delivery", func() bool { return peerGot.len() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if otherGot.len() != 0 {
		t.Fatalf("channel 2 received %v", otherGot.payloads())
	}
}
