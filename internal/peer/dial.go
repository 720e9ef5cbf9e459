// Package peer is a minimal signalling peer: it joins the relay under a
// role and shuttles newline-delimited messages between the socket and a
// pair of streams. It is meant for exercising a relay by hand or from
// scripts, standing in for the browser or the media pipeline.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/sigrelay/internal/relay"
)

const (
	// DefaultServer is where the peers look for the relay unless told
	// otherwise.
	DefaultServer = "ws://localhost:8888"

	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// URL returns the upgrade URL for joining server under role.
func URL(server, role string) (string, error) {
	if _, err := relay.ParseRole(role); err != nil {
		return "", fmt.Errorf("%w: %q", err, role)
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set(relay.QueryParam, role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial joins the relay at server under role with a single attempt.
func Dial(ctx context.Context, server, role string) (*websocket.Conn, error) {
	u, err := URL(server, role)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		Subprotocols: []string{relay.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}

// DialWithTimeout dials the relay, retrying with exponential backoff (1s→2s→4s,
// capped at 30s) until dialTimeout is exhausted or the context is cancelled.
// dialTimeout=0 means a single attempt with no retries. onRetry is called
// before each retry attempt; it may be nil.
func DialWithTimeout(ctx context.Context, server, role string, dialTimeout time.Duration, onRetry func(), logger *slog.Logger) (*websocket.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Bad input will not get better on retry.
	if _, err := URL(server, role); err != nil {
		return nil, err
	}

	if dialTimeout == 0 {
		return Dial(ctx, server, role)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay dial", "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		ws, err := Dial(timeoutCtx, server, role)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		logger.Debug("relay dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}
