// Package transport maintains the websocket event feed that drives the
// reconciliation engine: one long-lived connection per account delivering
// message lifecycle events, history pages and call signaling frames.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/tracing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Dispatcher receives decoded frames. The feed never interprets events; it
// only decodes and forwards in arrival order.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev models.LifecycleEvent) error
	DispatchSignal(sig models.CallSignal) error
	// DispatchHistoryDone marks the end of a history page for a room.
	DispatchHistoryDone(ctx context.Context, roomID string)
	// DispatchHistoryCount relays the server's entry-count acknowledgment.
	DispatchHistoryCount(roomID string, count int)
}

// Feed is the websocket client. Run blocks, reconnecting with backoff until
// the context is canceled. The write side (history requests, hangups) rides
// the same connection; writes while disconnected fail fast.
type Feed struct {
	url       string
	authToken string
	pingEvery time.Duration
	reconnect time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	dispatcher Dispatcher
	logger     *logrus.Entry
}

// Options configures a feed.
type Options struct {
	URL       string
	AuthToken string
	PingEvery time.Duration
	Reconnect time.Duration
}

// NewFeed creates a feed client.
func NewFeed(opts Options, dispatcher Dispatcher, logger *logrus.Logger) *Feed {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.PingEvery <= 0 {
		opts.PingEvery = 20 * time.Second
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = 5 * time.Second
	}
	return &Feed{
		url:        opts.URL,
		authToken:  opts.AuthToken,
		pingEvery:  opts.PingEvery,
		reconnect:  opts.Reconnect,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "feed"),
	}
}

// Run connects and consumes frames until ctx is canceled. Connection loss
// triggers reconnection with a doubling delay, reset on a healthy session.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.reconnect
	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WithError(err).Warn("Feed connection lost, reconnecting")
		metrics.IncrementCounter("feed_reconnects_total", nil, "Feed reconnect attempts")

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			delay = f.reconnect
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.authToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + f.authToken}}
	}
	conn, _, err := websocket.Dial(ctx, f.url, opts)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "session over")
	conn.SetReadLimit(1 << 20)

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.logger.Info("Feed connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.keepalive(pingCtx, conn)

	for {
		var frame wireFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if err := f.handle(ctx, frame); err != nil {
			f.logger.WithError(err).WithField("frame_type", frame.Type).Warn("Frame dispatch failed")
		}
	}
}

func (f *Feed) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				f.logger.WithError(err).Debug("Feed ping failed")
				return
			}
		}
	}
}

func (f *Feed) handle(ctx context.Context, frame wireFrame) error {
	metrics.IncrementCounter("feed_frames_total", map[string]string{"type": frame.Type}, "Frames received from the feed")

	switch frame.Type {
	case frameMessage:
		ev, err := frame.toLifecycleEvent()
		if err != nil {
			return err
		}
		spanCtx, span := tracing.StartEventSpan(ctx, ev.Kind.String(), ev.RoomID)
		err = f.dispatcher.DispatchEvent(spanCtx, ev)
		if err != nil {
			tracing.RecordError(spanCtx, err)
		}
		span.End()
		return err
	case frameCall:
		sig, err := frame.toCallSignal()
		if err != nil {
			return err
		}
		return f.dispatcher.DispatchSignal(sig)
	case frameHistoryCount:
		f.dispatcher.DispatchHistoryCount(frame.RoomID, frame.Count)
		return nil
	case frameHistoryDone:
		f.dispatcher.DispatchHistoryDone(ctx, frame.RoomID)
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// send writes one frame on the current connection.
func (f *Feed) send(ctx context.Context, frame wireFrame) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return wsjson.Write(ctx, conn, frame)
}

// RequestHistory asks the server for count older messages of a room.
func (f *Feed) RequestHistory(ctx context.Context, roomID string, count int) error {
	return f.send(ctx, wireFrame{
		Type:   "history_request",
		RoomID: roomID,
		Count:  count,
	})
}

// SendCallActive emits the periodic keep-alive for a running call.
func (f *Feed) SendCallActive(ctx context.Context, sessionID string) error {
	return f.send(ctx, wireFrame{
		Type:      frameCall,
		Signal:    "active",
		SessionID: sessionID,
	})
}

// SendHangup puts a hangup with the given cause on the wire.
func (f *Feed) SendHangup(ctx context.Context, roomID, sessionID string, cause models.HangupCause) error {
	return f.send(ctx, wireFrame{
		Type:      frameCall,
		RoomID:    roomID,
		Signal:    "hangup",
		SessionID: sessionID,
		Cause:     string(cause),
	})
}
