package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/retry"
)

// WebsocketConfig configures the chat-feed connection.
type WebsocketConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // no message or pong within this window forces a reconnect
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

// DefaultWebsocketConfig returns default websocket configuration.
func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WebsocketSource reads chat messages from a websocket and reconnects with backoff.
// Frames are either plain text or a JSON object with a "content" field.
type WebsocketSource struct {
	url    string
	header http.Header
	config WebsocketConfig
	retry  *retry.Client
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewWebsocketSource builds a source for url. Reconnects never give up until ctx ends.
func NewWebsocketSource(url string, header http.Header, logger logrus.FieldLogger, config ...WebsocketConfig) *WebsocketSource {
	cfg := DefaultWebsocketConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebsocketSource{
		url:    url,
		header: header,
		config: cfg,
		retry: retry.NewClient(logger, retry.Config{
			MaxRetries:     -1,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		}),
		clock:  clock.New(),
		logger: logger.WithField("source", "websocket"),
	}
}

// Name implements Source
func (s *WebsocketSource) Name() string { return "websocket" }

// Run dials, reads until the connection drops, and redials until ctx ends.
func (s *WebsocketSource) Run(ctx context.Context, sink Sink) error {
	for {
		var conn *websocket.Conn
		err := s.retry.Do(ctx, "dial feed", func(ctx context.Context) error {
			c, err := s.dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.logger.WithField("url", s.url).Info("Connected to trigger feed")

		err = s.readLoop(ctx, conn, sink)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WithError(err).Warn("Trigger feed disconnected, reconnecting")
	}
}

func (s *WebsocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err))
		}
		return nil, fmt.Errorf("websocket dial: network: %w", err)
	}
	return conn, nil
}

func (s *WebsocketSource) readLoop(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	done := make(chan struct{})
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblock ReadMessage.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.config.WriteTimeout))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
					s.logger.WithError(err).Debug("Ping failed")
				}
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("feed closed the connection")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if kind != websocket.TextMessage {
			continue
		}
		text, ok := messageText(data)
		if !ok {
			continue
		}
		sink(ctx, models.NewTriggerEvent(text, s.clock.Now()))
	}
}

type chatMessage struct {
	Content string `json:"content"`
}

// messageText extracts the lowercased text of one frame
func messageText(data []byte) (string, bool) {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var msg chatMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			raw = strings.TrimSpace(msg.Content)
		}
	}
	if raw == "" {
		return "", false
	}
	return strings.ToLower(raw), true
}
