package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a sink that logs every event.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "event_log").Logger()}
}

// Publish logs the event at a level matching its kind.
func (s *LogSink) Publish(_ context.Context, ev Event) error {
	entry := s.logger.Info()
	if ev.Kind == KindResultError {
		entry = s.logger.Warn()
	}
	entry.Str("kind", string(ev.Kind)).
		Str("caption", ev.Caption).
		Str("query_id", ev.QueryID.Hex()).
		Uint64("request_id", uint64(ev.RequestID))
	if ev.Kind == KindPriceUpdated {
		entry = entry.Uint64("value", ev.Value).
			Str("price", ev.Price.String()).
			Uint64("timestamp", ev.Timestamp)
	} else {
		entry = entry.Str("message", ev.Message)
	}
	entry.Msg("feed event")
	return nil
}

// WebhookSink POSTs events as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSink constructs a webhook sink.
func NewWebhookSink(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "event_webhook").Logger(),
	}
}

// Publish delivers the event to the webhook endpoint.
func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	if s.url == "" {
		return fmt.Errorf("webhook url not configured")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Debug().Str("kind", string(ev.Kind)).Str("caption", ev.Caption).Msg("event delivered")
	return nil
}

// MultiSink fans an event out to every configured sink. Individual sink
// failures are collected so one slow webhook cannot hide a log write.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Publish forwards to all sinks and returns the first error encountered.
func (m *MultiSink) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*WebhookSink)(nil)
	_ Sink = (*MultiSink)(nil)
)
