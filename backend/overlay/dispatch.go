// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package overlay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/telemetry"
)

// handleMessage processes one inbound frame. It runs on the connection's
// reader goroutine, so envelopes are checked and dispatched in arrival order.
func (c *Client) handleMessage(frame []byte) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Debug("dropping unparseable overlay frame", zap.Error(err))
		return
	}
	threadID := strings.TrimSpace(env.ThreadID)

	switch env.Type {
	case models.EnvelopeSubscribed, models.EnvelopeUnsubscribed, models.EnvelopeEcho:
		c.logger.Debug("relay notice", zap.String("type", string(env.Type)), zap.String("thread_id", threadID))

	case models.EnvelopePong:
		c.handlePong(env.Payload)

	case models.EnvelopeDelivery:
		var receipt models.DeliveryReceipt
		if err := json.Unmarshal(env.Payload, &receipt); err != nil {
			c.logger.Debug("dropping malformed delivery", zap.Error(err))
			return
		}
		raw, _ := json.Marshal(receipt)
		c.dispatch(threadID, Inbound{Type: env.Type, ThreadID: threadID, Payload: raw, Delivery: &receipt})

	case models.EnvelopeMessage, models.EnvelopeAck, models.EnvelopeTyping, models.EnvelopeControl:
		trust := CheckTrust(env.Payload)
		if !trust.Accepted {
			c.recorder.Record(telemetry.KindSignatureRejected, threadID, map[string]any{
				"type":   string(env.Type),
				"reason": string(trust.Reason),
				"author": trust.Author,
			})
			c.logger.Warn("dropping envelope that failed signature check",
				zap.String("type", string(env.Type)), zap.String("thread_id", threadID), zap.String("reason", string(trust.Reason)))
			return
		}
		if !trust.Verified {
			c.recorder.Record(telemetry.KindUnverified, threadID, map[string]any{"type": string(env.Type)})
		}
		c.dispatch(threadID, Inbound{Type: env.Type, ThreadID: threadID, Payload: env.Payload, Trust: trust})

	default:
		c.logger.Debug("ignoring unknown envelope type", zap.String("type", string(env.Type)))
	}
}

// handlePong matches a pong to the ping it answers. A pong carrying the ping
// timestamp matches that ping; otherwise the oldest outstanding ping is used.
func (c *Client) handlePong(payload json.RawMessage) {
	var p struct {
		Timestamp int64 `json:"timestamp"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}

	c.mu.Lock()
	var sent time.Time
	found := false
	if p.Timestamp > 0 {
		for i, t := range c.pings {
			if t.UnixMilli() == p.Timestamp {
				sent, found = t, true
				c.pings = append(c.pings[:i:i], c.pings[i+1:]...)
				break
			}
		}
	}
	if !found && len(c.pings) > 0 {
		sent, found = c.pings[0], true
		c.pings = c.pings[1:]
	}
	c.unlock()

	if found {
		c.recorder.Heartbeat(time.Since(sent))
	}
}

// dispatch fans an envelope out to the thread's handlers in registration
// order. A panicking handler is logged and does not affect the others.
func (c *Client) dispatch(threadID string, in Inbound) {
	c.mu.Lock()
	subs := append([]subscriber(nil), c.subs[threadID]...)
	c.unlock()

	for _, s := range subs {
		c.invoke(s.handler, in)
	}
}

func (c *Client) invoke(h Handler, in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.recorder.Record(telemetry.KindHandlerPanic, in.ThreadID, map[string]any{"panic": fmt.Sprint(r)})
			c.logger.Warn("overlay handler panicked", zap.String("thread_id", in.ThreadID), zap.Any("panic", r))
		}
	}()
	h(in)
}
