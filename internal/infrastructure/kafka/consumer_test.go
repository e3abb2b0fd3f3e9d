package kafka_infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
)

// fakeGroup assigns every partition it holds messages for in a single
// generation. Each partition reader serves its own queue.
type fakeGroup struct {
	mu         sync.Mutex
	partitions map[int]chan kafka.Message
	committed  map[int][]int64
	handedOut  bool
	closed     bool
	done       chan struct{}
}

func newFakeGroup(msgs ...kafka.Message) *fakeGroup {
	g := &fakeGroup{
		partitions: make(map[int]chan kafka.Message),
		committed:  make(map[int][]int64),
		done:       make(chan struct{}),
	}
	for _, m := range msgs {
		ch, ok := g.partitions[m.Partition]
		if !ok {
			ch = make(chan kafka.Message, len(msgs)+16)
			g.partitions[m.Partition] = ch
		}
		ch <- m
	}
	return g
}

func (g *fakeGroup) Next(ctx context.Context) (generation, error) {
	g.mu.Lock()
	first := !g.handedOut
	g.handedOut = true
	g.mu.Unlock()
	if first {
		return &fakeGeneration{group: g}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		return nil, kafka.ErrGroupClosed
	}
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
	return nil
}

func (g *fakeGroup) open(partition int, _ int64) partitionReader {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &fakePartitionReader{msgs: g.partitions[partition]}
}

func (g *fakeGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// committedOffsets lists the processed offsets committed for partition.
func (g *fakeGroup) committedOffsets(partition int) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int64
	for _, next := range g.committed[partition] {
		out = append(out, next-1)
	}
	return out
}

type fakeGeneration struct {
	group *fakeGroup
}

func (f *fakeGeneration) Partitions() []kafka.PartitionAssignment {
	f.group.mu.Lock()
	defer f.group.mu.Unlock()
	var out []kafka.PartitionAssignment
	for id := range f.group.partitions {
		out = append(out, kafka.PartitionAssignment{ID: id, Offset: kafka.FirstOffset})
	}
	return out
}

func (f *fakeGeneration) Start(fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.group.done
		cancel()
	}()
	go fn(ctx)
}

func (f *fakeGeneration) CommitOffset(partition int, offset int64) error {
	f.group.mu.Lock()
	defer f.group.mu.Unlock()
	f.group.committed[partition] = append(f.group.committed[partition], offset)
	return nil
}

type fakePartitionReader struct {
	msgs chan kafka.Message
}

func (r *fakePartitionReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakePartitionReader) Close() error { return nil }

type fakeDeadLetters struct {
	mu      sync.Mutex
	sent    []DeadLetterMessage
	failFor int
}

func (d *fakeDeadLetters) Send(_ context.Context, dlm DeadLetterMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor > 0 {
		d.failFor--
		return errors.New("dead-letter topic unavailable")
	}
	d.sent = append(d.sent, dlm)
	return nil
}

func (d *fakeDeadLetters) messages() []DeadLetterMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetterMessage(nil), d.sent...)
}

type recordingHandler struct {
	mu     sync.Mutex
	seen   []domain.DomainEvent
	failOn func(e domain.DomainEvent, attempt int) error
	tries  map[string]int
}

func (h *recordingHandler) Process(_ context.Context, e domain.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tries == nil {
		h.tries = make(map[string]int)
	}
	h.tries[e.EventID]++
	if h.failOn != nil {
		if err := h.failOn(e, h.tries[e.EventID]); err != nil {
			return err
		}
	}
	h.seen = append(h.seen, e)
	return nil
}

func (h *recordingHandler) events() []domain.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.DomainEvent(nil), h.seen...)
}

func (h *recordingHandler) attempts(eventID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tries[eventID]
}

func encodedMessage(t *testing.T, e domain.DomainEvent, partition int, offset int64) kafka.Message {
	t.Helper()
	value, err := event.Encode(e)
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "order_events",
		Partition: partition,
		Offset:    offset,
		Key:       []byte(e.AggregateKey),
		Value:     value,
	}
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:           "order_events",
		GroupID:         "payments-order-events-group",
		RetryBackoffMin: time.Millisecond,
		RetryBackoffMax: 5 * time.Millisecond,
	}
}

func runConsumer(t *testing.T, c *EventConsumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel, done
}

func TestConsumer_CommitsAfterSuccessfulProcessing(t *testing.T) {
	e := testEvent("order-1", domain.EventOrderCreated)
	group := newFakeGroup(encodedMessage(t, e, 0, 0))
	handler := &recordingHandler{}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(0)) == 1 }, time.Second, 5*time.Millisecond)
	events := handler.events()
	require.Len(t, events, 1)
	assert.Equal(t, e.EventID, events[0].EventID)
	assert.Equal(t, "order-1", events[0].AggregateKey)
}

func TestConsumer_RetriesFailedMessageInPlace(t *testing.T) {
	first := testEvent("order-1", domain.EventOrderCreated)
	second := testEvent("order-1", domain.EventOrderCancelled)
	group := newFakeGroup(encodedMessage(t, first, 0, 0), encodedMessage(t, second, 0, 1))

	handler := &recordingHandler{failOn: func(e domain.DomainEvent, attempt int) error {
		if e.EventID == first.EventID && attempt < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(0)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0, 1}, group.committedOffsets(0))
	assert.Equal(t, 3, handler.attempts(first.EventID))

	events := handler.events()
	require.Len(t, events, 2)
	assert.Equal(t, first.EventID, events[0].EventID, "later event must wait for the retried one")
	assert.Equal(t, second.EventID, events[1].EventID)
}

func TestConsumer_PoisonMessageIsDeadLetteredAndCommitted(t *testing.T) {
	poison := kafka.Message{Topic: "order_events", Partition: 0, Offset: 0, Key: []byte("k"), Value: []byte("{not json")}
	good := testEvent("order-2", domain.EventOrderCreated)
	group := newFakeGroup(poison, encodedMessage(t, good, 0, 1))
	handler := &recordingHandler{}
	dlq := &fakeDeadLetters{}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, dlq, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(0)) == 2 }, time.Second, 5*time.Millisecond)
	parked := dlq.messages()
	require.Len(t, parked, 1)
	assert.Equal(t, []byte("{not json"), parked[0].Value)
	assert.Equal(t, "order_events", parked[0].OriginalTopic)
	assert.Equal(t, int64(0), parked[0].OriginalOffset)
	assert.NotEmpty(t, parked[0].Reason)

	events := handler.events()
	require.Len(t, events, 1)
	assert.Equal(t, good.EventID, events[0].EventID)
}

func TestConsumer_DeadLetterFailureLeavesMessageUncommitted(t *testing.T) {
	poison := kafka.Message{Topic: "order_events", Partition: 0, Offset: 5, Value: []byte("[]")}
	group := newFakeGroup(poison)
	dlq := &fakeDeadLetters{failFor: 2}
	c := newEventConsumer(group, group.open, testConsumerConfig(), &recordingHandler{}, dlq, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(0)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, dlq.messages(), 1)
}

func TestConsumer_PartitionsProgressIndependently(t *testing.T) {
	stuck := testEvent("order-stuck", domain.EventOrderCreated)
	free := testEvent("order-free", domain.EventOrderCreated)
	group := newFakeGroup(encodedMessage(t, stuck, 0, 0), encodedMessage(t, free, 1, 0))

	handler := &recordingHandler{failOn: func(e domain.DomainEvent, _ int) error {
		if e.EventID == stuck.EventID {
			return errors.New("still failing")
		}
		return nil
	}}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(1)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, group.committedOffsets(0))
	assert.Greater(t, handler.attempts(stuck.EventID), 0)
}

func TestConsumer_StuckPartitionWithFullBufferDoesNotStallOthers(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, encodedMessage(t, testEvent("order-stuck", domain.EventOrderUpdated), 0, int64(i)))
	}
	free := testEvent("order-free", domain.EventOrderCreated)
	msgs = append(msgs, encodedMessage(t, free, 1, 0))
	group := newFakeGroup(msgs...)

	handler := &recordingHandler{failOn: func(e domain.DomainEvent, _ int) error {
		if e.AggregateKey == "order-stuck" {
			return errors.New("still failing")
		}
		return nil
	}}
	cfg := testConsumerConfig()
	cfg.PartitionBuffer = 1
	c := newEventConsumer(group, group.open, cfg, handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(1)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, group.committedOffsets(0))
	events := handler.events()
	require.Len(t, events, 1)
	assert.Equal(t, free.EventID, events[0].EventID)
}

func TestConsumer_CommitsNextOffset(t *testing.T) {
	group := newFakeGroup(encodedMessage(t, testEvent("order-1", domain.EventOrderCreated), 2, 41))
	c := newEventConsumer(group, group.open, testConsumerConfig(), &recordingHandler{}, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(2)) == 1 }, time.Second, 5*time.Millisecond)
	group.mu.Lock()
	defer group.mu.Unlock()
	assert.Equal(t, []int64{42}, group.committed[2])
}

func TestConsumer_PreservesOrderWithinPartition(t *testing.T) {
	var msgs []kafka.Message
	var ids []string
	for i := 0; i < 20; i++ {
		e := testEvent("order-9", domain.EventOrderUpdated)
		ids = append(ids, e.EventID)
		msgs = append(msgs, encodedMessage(t, e, 3, int64(i)))
	}
	group := newFakeGroup(msgs...)
	handler := &recordingHandler{failOn: func(_ domain.DomainEvent, attempt int) error {
		if attempt == 1 {
			return errors.New("first attempt always fails")
		}
		return nil
	}}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(3)) == 20 }, 2*time.Second, 5*time.Millisecond)
	var got []string
	for _, e := range handler.events() {
		got = append(got, e.EventID)
	}
	assert.Equal(t, ids, got)
	for i, off := range group.committedOffsets(3) {
		assert.Equal(t, int64(i), off)
	}
}

type blockingHandler struct {
	started  chan struct{}
	release  chan struct{}
	ctxErr   atomic.Value
	finished atomic.Bool
}

func (h *blockingHandler) Process(ctx context.Context, _ domain.DomainEvent) error {
	close(h.started)
	<-h.release
	if err := ctx.Err(); err != nil {
		h.ctxErr.Store(err)
	}
	h.finished.Store(true)
	return nil
}

func TestConsumer_ShutdownFinishesInFlightMessage(t *testing.T) {
	e := testEvent("order-1", domain.EventOrderCreated)
	group := newFakeGroup(encodedMessage(t, e, 0, 0))
	handler := &blockingHandler{started: make(chan struct{}), release: make(chan struct{})}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil)

	cancel, done := runConsumer(t, c)

	<-handler.started
	cancel()

	select {
	case <-done:
		t.Fatal("consumer returned while a message was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after in-flight message finished")
	}

	assert.True(t, handler.finished.Load())
	assert.Nil(t, handler.ctxErr.Load(), "in-flight handler context must survive shutdown")
	assert.Equal(t, []int64{0}, group.committedOffsets(0))
	assert.True(t, group.isClosed())
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *fakeDedup) MarkProcessed(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func TestConsumer_SkipsEventsAlreadyProcessed(t *testing.T) {
	e := testEvent("order-1", domain.EventOrderCreated)
	msg := encodedMessage(t, e, 0, 0)
	redelivered := msg
	redelivered.Offset = 1
	group := newFakeGroup(msg, redelivered)
	handler := &recordingHandler{}
	dedup := &fakeDedup{seen: map[string]bool{}}
	c := newEventConsumer(group, group.open, testConsumerConfig(), handler, &fakeDeadLetters{}, zap.NewNop(), nil, WithDeduplicator(dedup))

	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(group.committedOffsets(0)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, handler.events(), 1)
}
