package stream

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/http"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// WebSocketSubscriber reads status frames from the platform's update socket.
type WebSocketSubscriber struct {
	URL          string
	Header       nethttp.Header
	Dialer       *websocket.Dialer
	Backoff      http.Backoff
	PingInterval time.Duration
	logger       *logging.Logger
}

// NewWebSocketSubscriber configures a subscriber from cfg. The API key is
// sent the same way the REST client sends it.
func NewWebSocketSubscriber(cfg *config.Config, logger *logging.Logger) (*WebSocketSubscriber, error) {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	streamURL, err := cfg.ResolvedStreamURL()
	if err != nil {
		return nil, err
	}
	header := nethttp.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Token "+cfg.APIKey)
	}
	return &WebSocketSubscriber{
		URL:    streamURL,
		Header: header,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFunc(cfg),
			HandshakeTimeout: constants.HTTPTLSHandshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		Backoff: http.Backoff{
			InitialDelay: constants.StreamReconnectInitialDelay,
			MaxDelay:     constants.StreamReconnectMaxDelay,
		},
		PingInterval: constants.StreamPingInterval,
		logger:       logger,
	}, nil
}

// Run connects, reads until the connection drops, and reconnects with
// backoff. It returns only when ctx is done.
func (s *WebSocketSubscriber) Run(ctx context.Context, out chan<- models.StatusUpdate) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	for {
		conn, resp, err := dialer.DialContext(ctx, s.URL, s.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil && (resp.StatusCode == nethttp.StatusUnauthorized || resp.StatusCode == nethttp.StatusForbidden) {
				err = fmt.Errorf("%w: status %d", errUnauthorized, resp.StatusCode)
			}
			if werr := s.wait(ctx, err); werr != nil {
				return werr
			}
			continue
		}

		s.logger.Debug().Str("url", s.URL).Msg("status stream connected")
		s.Backoff.Reset()

		err = s.session(ctx, conn, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if werr := s.wait(ctx, err); werr != nil {
			return werr
		}
	}
}

var errUnauthorized = errors.New("unauthorized")

func (s *WebSocketSubscriber) wait(ctx context.Context, err error) error {
	errType := http.ClassifyError(err)
	delay := s.Backoff.Next(errType)
	s.logger.Warn().Err(err).Str("error_type", http.ErrorTypeName(errType)).
		Int("attempt", s.Backoff.Attempt()).Dur("retry_in", delay).Msg("status stream disconnected")
	return http.Sleep(ctx, delay)
}

// session reads frames from one connection until it fails or ctx ends.
func (s *WebSocketSubscriber) session(ctx context.Context, conn *websocket.Conn, out chan<- models.StatusUpdate) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		var ticks <-chan time.Time
		if s.PingInterval > 0 {
			ticker := time.NewTicker(s.PingInterval)
			defer ticker.Stop()
			ticks = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				// Unblocks ReadMessage
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			case <-ticks:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		update, reply, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed status frame")
			continue
		}
		if reply != nil {
			if err := conn.WriteJSON(reply); err != nil {
				return err
			}
			continue
		}
		if update == nil {
			continue
		}
		if err := deliver(ctx, out, *update); err != nil {
			return err
		}
	}
}
