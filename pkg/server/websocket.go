// Copyright 2025 Certen Protocol

package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aidchain/orchestrator/pkg/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP surface fronts a known set of browser/mobile clients;
	// same-origin is not enforced at this layer (spec.md §6 names no
	// origin policy).
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsIncoming struct {
	Type      string  `json:"type"`
	RequestID *uint64 `json:"request_id"`
}

// handleWebSocket implements the /ws protocol (spec.md §6): on connect
// the server sends {type:"connected"}; a client may narrow its
// subscription with {type:"subscribe", request_id:N}; the server then
// replies {type:"subscribed", request_id:N} and emits
// {type:"pipeline_event", ...} for that request only thereafter.
// Unsubscribed clients receive all events. Malformed client messages
// are silently ignored.
//
// gorilla/websocket connections aren't safe for concurrent writes, so
// both the subscribe-ack and the forwarded bus events funnel through
// one outgoing channel that a single goroutine drains.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	outgoing := make(chan interface{}, 64)
	done := make(chan struct{})

	var mu sync.Mutex
	current := s.bus.Subscribe(nil)
	go forwardBusEvents(current, outgoing)

	outgoing <- map[string]string{"type": "connected"}

	go func() {
		defer close(done)
		for {
			var msg wsIncoming
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "subscribe" || msg.RequestID == nil {
				continue // malformed or unrecognized, silently ignored
			}
			mu.Lock()
			current.Close()
			current = s.bus.Subscribe(msg.RequestID)
			mu.Unlock()
			go forwardBusEvents(current, outgoing)
			outgoing <- map[string]interface{}{"type": "subscribed", "request_id": *msg.RequestID}
		}
	}()

	defer func() {
		mu.Lock()
		current.Close()
		mu.Unlock()
	}()

	for {
		select {
		case msg := <-outgoing:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type pipelineEventMessage struct {
	Type      string      `json:"type"`
	RequestID uint64      `json:"request_id"`
	Stage     string      `json:"stage"`
	Status    bus.Status  `json:"status"`
	Timestamp interface{} `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func forwardBusEvents(sub *bus.Subscription, out chan<- interface{}) {
	for evt := range sub.Events() {
		msg := pipelineEventMessage{
			Type:      "pipeline_event",
			RequestID: evt.RequestID,
			Stage:     evt.Stage,
			Status:    evt.Status,
			Timestamp: evt.Timestamp,
			Message:   evt.Message,
			Data:      evt.Payload,
		}
		select {
		case out <- msg:
		default:
		}
	}
}
