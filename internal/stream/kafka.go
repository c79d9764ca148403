package stream

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/http"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// MessageReader is the subset of *kafka.Reader the subscriber uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSubscriber consumes bare status-update payloads from a topic.
type KafkaSubscriber struct {
	reader  MessageReader
	backoff http.Backoff
	logger  *logging.Logger
}

// NewKafkaSubscriber joins cfg.KafkaGroup on cfg.KafkaTopic.
func NewKafkaSubscriber(cfg *config.Config, logger *logging.Logger) (*KafkaSubscriber, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, config.ErrMissingKafkaBrokers
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return NewKafkaSubscriberWithReader(reader, logger), nil
}

// NewKafkaSubscriberWithReader wraps an existing reader.
func NewKafkaSubscriberWithReader(reader MessageReader, logger *logging.Logger) *KafkaSubscriber {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return &KafkaSubscriber{
		reader: reader,
		backoff: http.Backoff{
			InitialDelay: constants.StreamReconnectInitialDelay,
			MaxDelay:     constants.StreamReconnectMaxDelay,
		},
		logger: logger,
	}
}

// Run reads messages until ctx is done, then closes the reader. Broker
// errors are retried with backoff; undecodable messages are skipped.
func (s *KafkaSubscriber) Run(ctx context.Context, out chan<- models.StatusUpdate) error {
	defer s.reader.Close()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errType := http.ClassifyError(err)
			delay := s.backoff.Next(errType)
			s.logger.Warn().Err(err).Str("error_type", http.ErrorTypeName(errType)).
				Dur("retry_in", delay).Msg("status topic read failed")
			if err := http.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		s.backoff.Reset()

		update, err := DecodeUpdate(msg.Value)
		if err != nil {
			s.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed status message")
			continue
		}
		if err := deliver(ctx, out, *update); err != nil {
			return err
		}
	}
}
