package kafka_infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const HeaderDeadLetterReason = "dead-letter-reason"

// DeadLetterMessage preserves an undecodable message verbatim together with
// where it came from and why it was parked.
type DeadLetterMessage struct {
	OriginalTopic     string            `json:"original_topic"`
	OriginalPartition int               `json:"original_partition"`
	OriginalOffset    int64             `json:"original_offset"`
	Key               []byte            `json:"key"`
	Value             []byte            `json:"value"`
	Headers           map[string]string `json:"headers,omitempty"`
	Reason            string            `json:"reason"`
	FailedAt          time.Time         `json:"failed_at"`
}

func NewDeadLetterMessage(msg kafka.Message, cause error, now time.Time) DeadLetterMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return DeadLetterMessage{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		Key:               msg.Key,
		Value:             msg.Value,
		Headers:           headers,
		Reason:            cause.Error(),
		FailedAt:          now.UTC(),
	}
}

// DeadLetterWriter publishes parked messages synchronously so the caller
// only commits the original offset once the dead letter is stored.
type DeadLetterWriter struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewDeadLetterWriter(brokers []string, topic string, logger *zap.Logger) *DeadLetterWriter {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		ErrorLogger:  kafka.LoggerFunc(logger.Sugar().Errorf),
	}
	return &DeadLetterWriter{writer: writer, topic: topic, logger: logger}
}

func (w *DeadLetterWriter) Send(ctx context.Context, dlm DeadLetterMessage) error {
	body, err := json.Marshal(dlm)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	msg := kafka.Message{
		Key:   dlm.Key,
		Value: body,
		Headers: []kafka.Header{
			{Key: HeaderDeadLetterReason, Value: []byte(dlm.Reason)},
		},
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		w.logger.Error("Failed to produce dead letter",
			zap.String("topic", w.topic),
			zap.String("original_topic", dlm.OriginalTopic),
			zap.Int64("original_offset", dlm.OriginalOffset),
			zap.Error(err))
		return fmt.Errorf("failed to produce dead letter: %w", err)
	}
	w.logger.Warn("Message parked on dead-letter topic",
		zap.String("topic", w.topic),
		zap.String("original_topic", dlm.OriginalTopic),
		zap.Int("original_partition", dlm.OriginalPartition),
		zap.Int64("original_offset", dlm.OriginalOffset),
		zap.String("reason", dlm.Reason))
	return nil
}

func (w *DeadLetterWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter writer: %w", err)
	}
	return nil
}

// DeadLetterRecord is a dead letter as read back from the dead-letter topic.
type DeadLetterRecord struct {
	Partition int
	Offset    int64
	Message   DeadLetterMessage
}

// DeadLetterInspector reads and replays dead letters for operators.
type DeadLetterInspector struct {
	brokers     []string
	topic       string
	idleTimeout time.Duration
	logger      *zap.Logger
}

func NewDeadLetterInspector(brokers []string, topic string, idleTimeout time.Duration, logger *zap.Logger) *DeadLetterInspector {
	if idleTimeout <= 0 {
		idleTimeout = 3 * time.Second
	}
	return &DeadLetterInspector{brokers: brokers, topic: topic, idleTimeout: idleTimeout, logger: logger}
}

// List returns up to limit dead letters from the given partition, starting at
// the oldest retained offset. It stops once no message arrives within the idle timeout.
func (i *DeadLetterInspector) List(ctx context.Context, partition, limit int) ([]DeadLetterRecord, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   i.brokers,
		Topic:     i.topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(kafka.FirstOffset); err != nil {
		return nil, fmt.Errorf("failed to seek dead-letter topic: %w", err)
	}

	var records []DeadLetterRecord
	for limit <= 0 || len(records) < limit {
		readCtx, cancel := context.WithTimeout(ctx, i.idleTimeout)
		m, err := reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return records, fmt.Errorf("failed to read dead letter: %w", err)
		}
		rec, err := parseDeadLetter(m)
		if err != nil {
			i.logger.Warn("Skipping unreadable dead letter", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get reads the single dead letter stored at partition/offset.
func (i *DeadLetterInspector) Get(ctx context.Context, partition int, offset int64) (DeadLetterRecord, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   i.brokers,
		Topic:     i.topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(offset); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to seek dead-letter topic: %w", err)
	}
	readCtx, cancel := context.WithTimeout(ctx, i.idleTimeout)
	defer cancel()
	m, err := reader.ReadMessage(readCtx)
	if err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to read dead letter at offset %d: %w", offset, err)
	}
	if m.Offset != offset {
		return DeadLetterRecord{}, fmt.Errorf("dead letter at offset %d no longer retained", offset)
	}
	return parseDeadLetter(m)
}

// Replay republishes the original bytes of a dead letter to its source topic
// under its original key.
func (i *DeadLetterInspector) Replay(ctx context.Context, rec DeadLetterRecord) error {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(i.brokers...),
		Topic:        rec.Message.OriginalTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()
	return replayDeadLetter(ctx, writer, rec)
}

func replayDeadLetter(ctx context.Context, w messageWriter, rec DeadLetterRecord) error {
	if rec.Message.OriginalTopic == "" {
		return errors.New("dead letter has no original topic")
	}
	headers := make([]kafka.Header, 0, len(rec.Message.Headers))
	for k, v := range rec.Message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{Key: rec.Message.Key, Value: rec.Message.Value, Headers: headers}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to replay dead letter %d: %w", rec.Offset, err)
	}
	return nil
}

func parseDeadLetter(m kafka.Message) (DeadLetterRecord, error) {
	var dlm DeadLetterMessage
	if err := json.Unmarshal(m.Value, &dlm); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return DeadLetterRecord{Partition: m.Partition, Offset: m.Offset, Message: dlm}, nil
}
