// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package relay serves the overlay wire protocol: peers subscribe to thread
// ids and user envelopes are fanned out to the other subscribers of a thread.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
)

const (
	maxFrameBytes          = 256 << 10
	maxDecodeErrorsPerConn = 8
)

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(env models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.Message.Send(p.conn, string(raw))
}

// Server is an http.Handler speaking the overlay protocol over WebSocket.
type Server struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}

	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	ws          websocket.Handler
}

// New creates a relay. Metrics are registered on reg when it is non-nil.
func New(logger *zap.Logger, reg prometheus.Registerer) *Server {
	s := &Server{
		logger: logging.OrNop(logger).Named("relay"),
		now:    time.Now,
		rooms:  make(map[string]map[*peer]struct{}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efthread",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "efthread",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received by the relay by envelope type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(s.connections, s.frames)
	}
	s.ws = websocket.Handler(s.handleConn)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ws.ServeHTTP(w, r)
}

// Subscribers reports how many connections are subscribed to threadID.
func (s *Server) Subscribers(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[strings.TrimSpace(threadID)])
}

func (s *Server) handleConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxFrameBytes
	p := &peer{conn: conn}
	s.connections.Inc()
	defer func() {
		s.leaveAll(p)
		s.connections.Dec()
		_ = conn.Close()
	}()

	decodeErrors := 0
	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				s.logger.Info("closing relay connection after repeated bad frames")
				return
			}
			continue
		}
		decodeErrors = 0
		s.frames.WithLabelValues(string(env.Type)).Inc()
		s.handleEnvelope(p, env)
	}
}

func (s *Server) handleEnvelope(p *peer, env models.Envelope) {
	threadID := strings.TrimSpace(env.ThreadID)
	switch env.Type {
	case models.EnvelopePing:
		_ = p.write(models.Envelope{Type: models.EnvelopePong, Payload: json.RawMessage("{}")})

	case models.EnvelopeSubscribe:
		if threadID == "" {
			return
		}
		s.join(threadID, p)
		_ = p.write(models.Envelope{Type: models.EnvelopeSubscribed, ThreadID: threadID, Payload: threadPayload(threadID)})

	case models.EnvelopeUnsubscribe:
		if threadID == "" {
			return
		}
		s.leave(threadID, p)
		_ = p.write(models.Envelope{Type: models.EnvelopeUnsubscribed, ThreadID: threadID, Payload: threadPayload(threadID)})

	case models.EnvelopeMessage, models.EnvelopeAck, models.EnvelopeTyping, models.EnvelopeControl:
		if threadID == "" {
			return
		}
		env.ThreadID = threadID
		others := s.others(threadID, p)
		delivered := 0
		for _, o := range others {
			if err := o.write(env); err != nil {
				s.logger.Debug("relay fan-out failed", zap.String("thread_id", threadID), zap.Error(err))
				continue
			}
			delivered++
		}
		if len(others) == 0 {
			_ = p.write(models.Envelope{Type: models.EnvelopeEcho, ThreadID: threadID, Payload: threadPayload(threadID)})
		}
		if id := messageID(env.Payload); id != "" {
			status := "delivered"
			if delivered == 0 {
				status = "undelivered"
			}
			raw, _ := json.Marshal(models.DeliveryReceipt{MessageID: id, Status: status, Timestamp: s.now().UnixMilli()})
			_ = p.write(models.Envelope{Type: models.EnvelopeDelivery, ThreadID: threadID, Payload: raw})
		}

	default:
		s.logger.Debug("relay ignoring envelope", zap.String("type", string(env.Type)))
	}
}

func (s *Server) join(threadID string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[threadID]
	if !ok {
		room = make(map[*peer]struct{})
		s.rooms[threadID] = room
	}
	room[p] = struct{}{}
}

func (s *Server) leave(threadID string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[threadID]
	delete(room, p)
	if len(room) == 0 {
		delete(s.rooms, threadID)
	}
}

func (s *Server) leaveAll(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, room := range s.rooms {
		delete(room, p)
		if len(room) == 0 {
			delete(s.rooms, id)
		}
	}
}

func (s *Server) others(threadID string, p *peer) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.rooms[threadID]))
	for o := range s.rooms[threadID] {
		if o != p {
			out = append(out, o)
		}
	}
	return out
}

func threadPayload(threadID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"threadId": threadID})
	return raw
}

func messageID(payload json.RawMessage) string {
	var p struct {
		MessageID string `json:"messageId"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.MessageID
}
