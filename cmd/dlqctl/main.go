package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anoop387/event-driven-order-payment-system/internal/config"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
)

type deadLetterStore interface {
	List(ctx context.Context, partition, limit int) ([]kafka_infra.DeadLetterRecord, error)
	Get(ctx context.Context, partition int, offset int64) (kafka_infra.DeadLetterRecord, error)
	Replay(ctx context.Context, rec kafka_infra.DeadLetterRecord) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd(openInspector)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openInspector() (deadLetterStore, error) {
	cfg, err := config.LoadDLQConfig()
	if err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	return kafka_infra.NewDeadLetterInspector(cfg.Kafka.Brokers(), cfg.Kafka.DeadLetterTopic, cfg.ReadTimeout, logger), nil
}

func newRootCmd(open func() (deadLetterStore, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Inspect and replay order events that could not be decoded",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(listCmd(open))
	rootCmd.AddCommand(showCmd(open))
	rootCmd.AddCommand(replayCmd(open))
	return rootCmd
}

func listCmd(open func() (deadLetterStore, error)) *cobra.Command {
	var partition, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters of one partition, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context(), partition, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no dead letters")
				return nil
			}
			for _, rec := range records {
				m := rec.Message
				fmt.Fprintf(out, "%d\t%s[%d]@%d\tkey=%s\t%s\t%s\n",
					rec.Offset, m.OriginalTopic, m.OriginalPartition, m.OriginalOffset,
					m.Key, m.FailedAt.Format("2006-01-02T15:04:05Z07:00"), m.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&partition, "partition", "p", 0, "Dead-letter topic partition")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of dead letters to list (0 for all)")
	return cmd
}

func showCmd(open func() (deadLetterStore, error)) *cobra.Command {
	var partition int
	var offset int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print one dead letter including its raw payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			rec, err := store.Get(cmd.Context(), partition, offset)
			if err != nil {
				return err
			}
			m := rec.Message
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source:    %s[%d]@%d\n", m.OriginalTopic, m.OriginalPartition, m.OriginalOffset)
			fmt.Fprintf(out, "key:       %s\n", m.Key)
			fmt.Fprintf(out, "reason:    %s\n", m.Reason)
			fmt.Fprintf(out, "failed at: %s\n", m.FailedAt.Format("2006-01-02T15:04:05Z07:00"))
			for k, v := range m.Headers {
				fmt.Fprintf(out, "header:    %s=%s\n", k, v)
			}
			fmt.Fprintf(out, "payload:   %s\n", m.Value)
			return nil
		},
	}
	cmd.Flags().IntVarP(&partition, "partition", "p", 0, "Dead-letter topic partition")
	cmd.Flags().Int64VarP(&offset, "offset", "o", 0, "Dead-letter offset")
	cmd.MarkFlagRequired("offset")
	return cmd
}

func replayCmd(open func() (deadLetterStore, error)) *cobra.Command {
	var partition int
	var offset int64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish a dead letter to its original topic under its original key",
		Long: `Replay sends the original bytes back to the topic they were consumed from.
Use it after the consumer has been fixed to understand the payload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			rec, err := store.Get(cmd.Context(), partition, offset)
			if err != nil {
				return err
			}
			if err := store.Replay(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed dead letter %d to %s (key=%s)\n",
				rec.Offset, rec.Message.OriginalTopic, rec.Message.Key)
			return nil
		},
	}
	cmd.Flags().IntVarP(&partition, "partition", "p", 0, "Dead-letter topic partition")
	cmd.Flags().Int64VarP(&offset, "offset", "o", 0, "Dead-letter offset")
	cmd.MarkFlagRequired("offset")
	return cmd
}
