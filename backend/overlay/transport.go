// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/efchatnet/efthread/backend/models"
)

// Conn is one open transport connection carrying JSON frames.
type Conn interface {
	Send(frame []byte) error
	// Receive blocks until the next frame arrives or the connection ends.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the overlay relay over WebSocket.
type WebSocketDialer struct {
	URL    string
	Origin string
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = defaultOrigin(d.URL)
	}
	cfg, err := websocket.NewConfig(d.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("invalid overlay url: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// defaultOrigin derives an http(s) origin from a ws(s) url.
func defaultOrigin(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + hostOf(strings.TrimPrefix(url, "wss://"))
	case strings.HasPrefix(url, "ws://"):
		return "http://" + hostOf(strings.TrimPrefix(url, "ws://"))
	}
	return "http://localhost/"
}

func hostOf(rest string) string {
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest + "/"
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(frame []byte) error {
	return websocket.Message.Send(c.ws, string(frame))
}

func (c *wsConn) Receive() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

// StubDialer produces in-memory connections that answer like a relay with
// nobody else subscribed: subscriptions are acknowledged, pings get a pong and
// user traffic is echoed back to the sender.
type StubDialer struct{}

func (StubDialer) Dial(context.Context) (Conn, error) {
	c := &stubConn{}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

type stubConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func (c *stubConn) Send(frame []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("stub overlay: %w", err)
	}
	var replies []models.Envelope
	switch env.Type {
	case models.EnvelopeSubscribe:
		replies = append(replies, models.Envelope{Type: models.EnvelopeSubscribed, ThreadID: env.ThreadID})
	case models.EnvelopeUnsubscribe:
		replies = append(replies, models.Envelope{Type: models.EnvelopeUnsubscribed, ThreadID: env.ThreadID})
	case models.EnvelopePing:
		replies = append(replies, models.Envelope{Type: models.EnvelopePong, Payload: json.RawMessage("{}")})
	default:
		if !env.Type.UserOriginated() {
			return nil
		}
		replies = append(replies, env)
		if id := messageID(env.Payload); id != "" {
			replies = append(replies, deliveryEnvelope(env.ThreadID, id, "delivered", time.Now()))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	for _, r := range replies {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		c.frames = append(c.frames, raw)
	}
	c.cond.Broadcast()
	return nil
}

func (c *stubConn) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.frames) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil, io.EOF
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return frame, nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// messageID returns payload.messageId when the payload is an object carrying
// a string id.
func messageID(payload json.RawMessage) string {
	var p struct {
		MessageID string `json:"messageId"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.MessageID
}

func deliveryEnvelope(threadID, messageID, status string, at time.Time) models.Envelope {
	raw, _ := json.Marshal(models.DeliveryReceipt{MessageID: messageID, Status: status, Timestamp: at.UnixMilli()})
	return models.Envelope{Type: models.EnvelopeDelivery, ThreadID: threadID, Payload: raw}
}
