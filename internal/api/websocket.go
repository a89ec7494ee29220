package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/maxxit-ai/coordinator/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushedEvents are the topics a connected operator dashboard cares about:
// position lifecycle transitions, not every low-level signal.
var pushedEvents = []events.Event{
	events.EventPositionOpened,
	events.EventPositionClosing,
	events.EventPositionClosed,
	events.EventRiskAlert,
}

// wsMessage wraps a bus payload with its topic so one socket can multiplex
// every pushed event type.
type wsMessage struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsMessage, 100*len(pushedEvents))
	var unsubs []func()
	for _, evt := range pushedEvents {
		evt := evt
		stream, unsub := s.Bus.Subscribe(evt, 100)
		unsubs = append(unsubs, unsub)
		go func() {
			for payload := range stream {
				select {
				case merged <- wsMessage{Event: evt, Payload: payload}:
				default:
				}
			}
		}()
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
