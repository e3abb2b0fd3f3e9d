package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates the given topics through the cluster controller.
// Topics that already exist are left as they are.
func EnsureTopics(ctx context.Context, brokers []string, topics []TopicSpec, logger *zap.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	names := make([]string, len(topics))
	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, t := range topics {
		names[i] = t.Name
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     max(t.Partitions, 1),
			ReplicationFactor: max(t.ReplicationFactor, 1),
		}
	}

	if err := controllerConn.CreateTopics(topicConfigs...); err != nil {
		if !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("failed to create Kafka topics: %w", err)
		}
		logger.Info("One or more Kafka topics already exist, skipping creation.", zap.Strings("topics", names))
		return nil
	}
	logger.Info("Kafka topics ensured successfully.", zap.Strings("topics", names))
	return nil
}
