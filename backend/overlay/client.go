// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package overlay is the client side of the thread transport: one multiplexed
// connection carrying per-thread subscriptions, an ordered outbound queue,
// heartbeat and reconnect timers, and signature checks on inbound traffic.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/telemetry"
)

// Mode is decided once at construction.
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	// ModeOffline has no endpoint; every publish is dropped.
	ModeOffline Mode = "offline-no-endpoint"
	// ModeStub talks to an in-memory echo relay. Development only.
	ModeStub   Mode = "stub"
	ModeClosed Mode = "closed"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// DefaultReconnectDelays is the backoff table used when none is configured.
var DefaultReconnectDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

const (
	DefaultHeartbeat = 25 * time.Second
	DefaultMaxQueue  = 1024
	maxPendingPings  = 16
)

var (
	ErrClosed        = errors.New("overlay client is closed")
	ErrEmptyThreadID = errors.New("empty thread id")
)

// Status is delivered to the observer on every state change.
type Status struct {
	Mode     Mode
	State    State
	Attempts int
}

// Inbound is one envelope handed to thread handlers.
type Inbound struct {
	Type     models.EnvelopeType
	ThreadID string
	Payload  json.RawMessage
	// Delivery is set for delivery envelopes; Payload then holds only the
	// receipt fields.
	Delivery *models.DeliveryReceipt
	Trust    Trust
}

type Handler func(Inbound)

type Config struct {
	Mode   Mode
	Dialer Dialer
	// URL and Origin build a WebSocketDialer when Dialer is nil.
	URL    string
	Origin string

	Heartbeat       time.Duration
	ReconnectDelays []time.Duration
	MaxQueue        int

	// Signer, when set, signs every outbound user payload.
	Signer   Signer
	Recorder *telemetry.Recorder
	Logger   *zap.Logger
	// Observer receives status changes. It must not block.
	Observer func(Status)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Client owns the connection and all of its bookkeeping. All methods are
// safe for concurrent use.
type Client struct {
	dialer    Dialer
	heartbeat time.Duration
	delays    []time.Duration
	maxQueue  int
	signer    Signer
	recorder  *telemetry.Recorder
	logger    *zap.Logger
	observer  func(Status)

	mu             sync.Mutex
	mode           Mode
	state          State
	connecting     bool
	conn           Conn
	gen            uint64
	attempts       int
	subs           map[string][]subscriber
	nextID         uint64
	queue          []models.Envelope
	pings          []time.Time
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	pending        []Status
}

// New builds a client. Nothing is dialled until Connect.
func New(cfg Config) *Client {
	c := &Client{
		dialer:    cfg.Dialer,
		heartbeat: cfg.Heartbeat,
		delays:    cfg.ReconnectDelays,
		maxQueue:  cfg.MaxQueue,
		signer:    cfg.Signer,
		recorder:  cfg.Recorder,
		logger:    logging.OrNop(cfg.Logger).Named("overlay"),
		observer:  cfg.Observer,
		mode:      cfg.Mode,
		state:     StateDisconnected,
		subs:      make(map[string][]subscriber),
	}
	if len(c.delays) == 0 {
		c.delays = DefaultReconnectDelays
	}
	if c.heartbeat == 0 {
		c.heartbeat = DefaultHeartbeat
	}
	if c.maxQueue <= 0 {
		c.maxQueue = DefaultMaxQueue
	}
	if c.dialer == nil && strings.TrimSpace(cfg.URL) != "" {
		c.dialer = WebSocketDialer{URL: strings.TrimSpace(cfg.URL), Origin: cfg.Origin}
	}
	switch c.mode {
	case ModeStub:
		if c.dialer == nil {
			c.dialer = StubDialer{}
		}
	case ModeWebSocket:
	case "":
		c.mode = ModeOffline
		if c.dialer != nil {
			c.mode = ModeWebSocket
		}
	default:
		c.mode = ModeOffline
	}
	if c.mode == ModeWebSocket && c.dialer == nil {
		c.mode = ModeOffline
	}
	return c
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// unlock releases the client lock and then reports queued status changes,
// so the observer never runs under the lock.
func (c *Client) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.observer == nil {
		return
	}
	for _, st := range pending {
		c.observer(st)
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, Status{Mode: c.mode, State: s, Attempts: c.attempts})
}

// Connect dials the relay. Transport failures are not returned: they are
// recorded and a reconnect is scheduled. Connect is a no-op while a dial is
// already in flight or the client is online, and in offline mode.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.unlock()
		return ErrClosed
	}
	if c.dialer == nil || c.connecting || c.state == StateOnline {
		c.unlock()
		return nil
	}
	c.connecting = true
	c.stopReconnectTimerLocked()
	c.setStateLocked(StateConnecting)
	c.recorder.Record(telemetry.KindConnecting, "", map[string]any{"attempt": c.attempts})
	c.unlock()

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	defer c.unlock()
	c.connecting = false
	if c.state == StateClosed {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.logger.Warn("overlay connect failed", zap.Error(err), zap.Int("attempt", c.attempts))
		c.recorder.Record(telemetry.KindConnectFailed, "", map[string]any{"error": err.Error()})
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		return nil
	}
	c.openLocked(conn)
	return nil
}

// openLocked installs a fresh connection: reset the attempt counter, ping,
// resubscribe every live thread, flush the queue and start the heartbeat.
func (c *Client) openLocked(conn Conn) {
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.pings = nil
	c.setStateLocked(StateOnline)
	c.recorder.Record(telemetry.KindOnline, "", nil)
	c.logger.Info("overlay online", zap.String("mode", string(c.mode)))

	go c.readLoop(conn, gen)

	if !c.sendPingLocked() {
		return
	}
	for _, threadID := range c.threadIDsLocked() {
		if !c.writeLocked(controlEnvelope(models.EnvelopeSubscribe, threadID), false) {
			return
		}
	}
	c.flushLocked()
	if c.state == StateOnline && c.heartbeat > 0 {
		stop := make(chan struct{})
		c.stopHeartbeat = stop
		go c.heartbeatLoop(stop, gen)
	}
}

func (c *Client) flushLocked() {
	for len(c.queue) > 0 && c.state == StateOnline {
		env := c.queue[0]
		c.queue = c.queue[1:]
		if !c.writeLocked(env, true) {
			return
		}
	}
}

// writeLocked sends env on the current connection. On failure the envelope
// goes back to the head of the queue when requeue is set and the connection
// is dropped so that a reconnect follows.
func (c *Client) writeLocked(env models.Envelope, requeue bool) bool {
	frame, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return true
	}
	if c.conn == nil {
		if requeue {
			c.queue = append([]models.Envelope{env}, c.queue...)
		}
		return false
	}
	if err := c.conn.Send(frame); err != nil {
		c.recorder.Record(telemetry.KindSendFailed, env.ThreadID, map[string]any{"type": string(env.Type), "error": err.Error()})
		c.logger.Warn("overlay send failed", zap.String("type", string(env.Type)), zap.Error(err))
		if requeue {
			c.queue = append([]models.Envelope{env}, c.queue...)
		}
		c.dropLocked()
		return false
	}
	return true
}

func (c *Client) sendPingLocked() bool {
	now := time.Now()
	raw, _ := json.Marshal(map[string]int64{"timestamp": now.UnixMilli()})
	if !c.writeLocked(models.Envelope{Type: models.EnvelopePing, Payload: raw}, false) {
		return false
	}
	c.pings = append(c.pings, now)
	if len(c.pings) > maxPendingPings {
		c.pings = c.pings[len(c.pings)-maxPendingPings:]
	}
	return true
}

// dropLocked tears down the current connection after a transport fault and
// schedules a reconnect.
func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.stopHeartbeatLocked()
	if c.state == StateClosed {
		return
	}
	c.setStateLocked(StateDisconnected)
	c.recorder.Record(telemetry.KindDisconnected, "", nil)
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.state == StateClosed || c.reconnectTimer != nil || c.dialer == nil {
		return
	}
	delay := Backoff(c.delays, c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting)
	c.recorder.Record(telemetry.KindReconnectScheduled, "", map[string]any{
		"attempt": c.attempts,
		"delayMs": delay.Milliseconds(),
	})
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.reconnectTimer != timer {
			c.unlock()
			return
		}
		c.reconnectTimer = nil
		c.unlock()
		_ = c.Connect(context.Background())
	})
	c.reconnectTimer = timer
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}, gen uint64) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.gen == gen && c.state == StateOnline {
				c.sendPingLocked()
			}
			c.unlock()
		}
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.handleMessage(frame)
	}
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}
	if !errors.Is(err, io.EOF) {
		c.recorder.Record(telemetry.KindSocketError, "", map[string]any{"error": err.Error()})
	}
	c.logger.Info("overlay connection lost", zap.Error(err))
	c.dropLocked()
}

// Close shuts the client down for good: timers are stopped, subscriptions
// and the queue are cleared and the connection is closed. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.unlock()
		return nil
	}
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.subs = make(map[string][]subscriber)
	c.queue = nil
	c.pings = nil
	c.mode = ModeClosed
	c.setStateLocked(StateClosed)
	c.recorder.Record(telemetry.KindClosed, "", nil)
	c.unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe registers handler for threadID. The relay is told about the
// thread only when its first handler registers; the returned function
// removes this handler and unsubscribes once none are left.
func (c *Client) Subscribe(threadID string, handler Handler) (func(), error) {
	key := strings.TrimSpace(threadID)
	if key == "" {
		return nil, ErrEmptyThreadID
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	first := len(c.subs[key]) == 0
	c.subs[key] = append(c.subs[key], subscriber{id: id, handler: handler})
	if first && c.state == StateOnline {
		c.writeLocked(controlEnvelope(models.EnvelopeSubscribe, key), false)
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribe(key, id) }) }, nil
}

func (c *Client) unsubscribe(key string, id uint64) {
	c.mu.Lock()
	defer c.unlock()
	subs := c.subs[key]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		c.subs[key] = subs
		return
	}
	if _, ok := c.subs[key]; !ok {
		return
	}
	delete(c.subs, key)
	if c.state == StateOnline {
		c.writeLocked(controlEnvelope(models.EnvelopeUnsubscribe, key), false)
	}
}

func (c *Client) threadIDsLocked() []string {
	ids := make([]string, 0, len(c.subs))
	for id, subs := range c.subs {
		if len(subs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) PublishMessage(threadID string, payload any) error {
	return c.publish(models.EnvelopeMessage, threadID, payload)
}

func (c *Client) PublishAck(threadID string, payload any) error {
	return c.publish(models.EnvelopeAck, threadID, payload)
}

func (c *Client) PublishControl(threadID string, payload any) error {
	return c.publish(models.EnvelopeControl, threadID, payload)
}

func (c *Client) PublishTyping(threadID string, payload any) error {
	return c.publish(models.EnvelopeTyping, threadID, payload)
}

// publish sends the envelope now when the connection is open and nothing is
// queued ahead of it, otherwise it queues it for the next flush.
func (c *Client) publish(t models.EnvelopeType, threadID string, payload any) error {
	key := strings.TrimSpace(threadID)
	if key == "" {
		return ErrEmptyThreadID
	}
	raw, err := c.encodePayload(payload)
	if err != nil {
		return err
	}
	env := models.Envelope{Type: t, ThreadID: key, Payload: raw}

	c.mu.Lock()
	defer c.unlock()
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.mode == ModeOffline:
		c.recorder.Record(telemetry.KindPublishDropped, key, map[string]any{"type": string(t), "reason": "offline"})
		c.logger.Warn("overlay offline, dropping envelope", zap.String("type", string(t)), zap.String("thread_id", key))
		return nil
	}
	if c.state == StateOnline && len(c.queue) == 0 {
		c.writeLocked(env, true)
		return nil
	}
	if len(c.queue) >= c.maxQueue {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.recorder.Record(telemetry.KindPublishDropped, dropped.ThreadID, map[string]any{"type": string(dropped.Type), "reason": "queue full"})
	}
	c.queue = append(c.queue, env)
	return nil
}

// QueueLen reports how many envelopes wait for the next flush.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) encodePayload(payload any) (json.RawMessage, error) {
	if c.signer != nil {
		return SignPayload(payload, c.signer)
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

func controlEnvelope(t models.EnvelopeType, threadID string) models.Envelope {
	raw, _ := json.Marshal(map[string]string{"threadId": threadID})
	return models.Envelope{Type: t, ThreadID: threadID, Payload: raw}
}
