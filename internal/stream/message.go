// Package stream subscribes to the status-update stream over WebSocket or
// Kafka and delivers decoded updates to the tracker.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// Message types on the WebSocket stream
const (
	MsgTypeStatus = "status"
	MsgTypePing   = "ping"
	MsgTypePong   = "pong"
)

// Envelope is one frame of the WebSocket stream.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Subscriber delivers status updates on out until ctx is done. It reconnects
// on its own and only returns with ctx.Err() or a configuration error.
type Subscriber interface {
	Run(ctx context.Context, out chan<- models.StatusUpdate) error
}

// New builds the subscriber selected by cfg.StreamMode.
func New(cfg *config.Config, logger *logging.Logger) (Subscriber, error) {
	switch cfg.StreamMode {
	case config.StreamWebSocket, "":
		return NewWebSocketSubscriber(cfg, logger)
	case config.StreamKafka:
		return NewKafkaSubscriber(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStreamMode, cfg.StreamMode)
	}
}

// DecodeEnvelope parses a WebSocket frame. It returns the update carried by a
// status frame, or the reply owed for a ping. Unknown frame types yield
// neither.
func DecodeEnvelope(data []byte) (*models.StatusUpdate, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case MsgTypeStatus:
		u, err := DecodeUpdate(env.Payload)
		if err != nil {
			return nil, nil, err
		}
		return u, nil, nil
	case MsgTypePing:
		return nil, &Envelope{Type: MsgTypePong, Timestamp: env.Timestamp}, nil
	default:
		return nil, nil, nil
	}
}

// DecodeUpdate parses a bare status-update payload.
func DecodeUpdate(data []byte) (*models.StatusUpdate, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode status update: empty payload")
	}
	var u models.StatusUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode status update: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("decode status update: missing id")
	}
	return &u, nil
}

func deliver(ctx context.Context, out chan<- models.StatusUpdate, u models.StatusUpdate) error {
	select {
	case out <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
