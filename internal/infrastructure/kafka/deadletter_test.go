package kafka_infra

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeadLetterWriter_PreservesOriginalBytes(t *testing.T) {
	w := &fakeWriter{}
	dlw := &DeadLetterWriter{writer: w, topic: "order_events.dlq", logger: zap.NewNop()}

	raw := []byte{0xff, 0xfe, '{'}
	src := kafka.Message{
		Topic:     "order_events",
		Partition: 2,
		Offset:    17,
		Key:       []byte("order-1"),
		Value:     raw,
		Headers:   []kafka.Header{{Key: HeaderEventID, Value: []byte("evt-1")}},
	}
	dlm := NewDeadLetterMessage(src, errors.New("invalid JSON"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, dlw.Send(context.Background(), dlm))

	msgs := w.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("order-1"), msgs[0].Key)

	rec, err := parseDeadLetter(kafka.Message{Partition: 0, Offset: 3, Value: msgs[0].Value})
	require.NoError(t, err)
	assert.Equal(t, raw, rec.Message.Value)
	assert.Equal(t, "order_events", rec.Message.OriginalTopic)
	assert.Equal(t, 2, rec.Message.OriginalPartition)
	assert.Equal(t, int64(17), rec.Message.OriginalOffset)
	assert.Equal(t, "evt-1", rec.Message.Headers[HeaderEventID])
	assert.Equal(t, "invalid JSON", rec.Message.Reason)
	assert.Equal(t, int64(3), rec.Offset)
}

func TestReplayDeadLetter_WritesOriginalKeyAndValue(t *testing.T) {
	w := &fakeWriter{}
	rec := DeadLetterRecord{Offset: 4, Message: DeadLetterMessage{
		OriginalTopic: "order_events",
		Key:           []byte("order-1"),
		Value:         []byte(`{"event_id":"e"}`),
		Headers:       map[string]string{HeaderEventID: "e"},
	}}

	require.NoError(t, replayDeadLetter(context.Background(), w, rec))

	msgs := w.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("order-1"), msgs[0].Key)
	assert.JSONEq(t, `{"event_id":"e"}`, string(msgs[0].Value))
	assert.Equal(t, "e", string(msgs[0].Headers[0].Value))
}

func TestReplayDeadLetter_RequiresOriginalTopic(t *testing.T) {
	err := replayDeadLetter(context.Background(), &fakeWriter{}, DeadLetterRecord{})
	assert.Error(t, err)
}

func TestParseDeadLetter_RejectsGarbage(t *testing.T) {
	_, err := parseDeadLetter(kafka.Message{Value: []byte("nope")})
	assert.Error(t, err)

	body, _ := json.Marshal(DeadLetterMessage{OriginalTopic: "t"})
	rec, err := parseDeadLetter(kafka.Message{Value: body})
	require.NoError(t, err)
	assert.Equal(t, "t", rec.Message.OriginalTopic)
}
