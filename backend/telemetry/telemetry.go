// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package telemetry is the process-local, append-only diagnostic event log.
// Nothing in it ever influences protocol decisions.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Kind string

const (
	KindConnecting         Kind = "connecting"
	KindOnline             Kind = "online"
	KindDisconnected       Kind = "disconnected"
	KindReconnectScheduled Kind = "reconnect_scheduled"
	KindConnectFailed      Kind = "connect_failed"
	KindSendFailed         Kind = "send_failed"
	KindSocketError        Kind = "socket_error"
	KindHeartbeat          Kind = "heartbeat"
	KindSignatureRejected  Kind = "signature_rejected"
	KindUnverified         Kind = "unverified_envelope"
	KindHandlerPanic       Kind = "handler_panic"
	KindPublishDropped     Kind = "publish_dropped"
	KindClosed             Kind = "closed"
)

// Event is one diagnostic record.
type Event struct {
	Kind     Kind           `json:"kind"`
	At       time.Time      `json:"at"`
	ThreadID string         `json:"threadId,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// DefaultCapacity bounds the in-memory log.
const DefaultCapacity = 512

// Recorder keeps the most recent events in a ring and mirrors counts and
// heartbeat RTTs into Prometheus.
type Recorder struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	filled bool
	now    func() time.Time

	events *prometheus.CounterVec
	rtt    prometheus.Histogram
}

// NewRecorder creates a recorder holding at most capacity events. Metrics are
// registered on reg when it is non-nil.
func NewRecorder(capacity int, reg prometheus.Registerer) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Recorder{
		ring: make([]Event, capacity),
		now:  time.Now,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "efthread",
			Subsystem: "overlay",
			Name:      "events_total",
			Help:      "Overlay telemetry events by kind.",
		}, []string{"kind"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "efthread",
			Subsystem: "overlay",
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round trip time of overlay ping/pong.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(r.events, r.rtt)
	}
	return r
}

// Record appends an event. A nil recorder drops it.
func (r *Recorder) Record(kind Kind, threadID string, fields map[string]any) {
	if r == nil {
		return
	}
	ev := Event{Kind: kind, ThreadID: threadID, Fields: fields}
	r.mu.Lock()
	ev.At = r.now()
	r.ring[r.next] = ev
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()
	r.events.WithLabelValues(string(kind)).Inc()
}

// Heartbeat records a measured round trip.
func (r *Recorder) Heartbeat(rtt time.Duration) {
	if r == nil {
		return
	}
	r.rtt.Observe(rtt.Seconds())
	r.Record(KindHeartbeat, "", map[string]any{"rttMs": rtt.Milliseconds()})
}

// Snapshot returns the retained events, oldest first.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Count returns how many retained events have the given kind.
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, ev := range r.Snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
