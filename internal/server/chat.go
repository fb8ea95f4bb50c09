package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/smart"
)

const maxRequestBody = 1 << 20

// wireEvent is the {type, data} frame sent to clients.
type wireEvent struct {
	Type agent.EventType `json:"type"`
	Data any             `json:"data"`
}

type doneData struct {
	SessionID string          `json:"session_id"`
	Stats     *agent.RunStats `json:"stats,omitempty"`
}

// clientFrame is a websocket message from the client: a chat request or
// a ping.
type clientFrame struct {
	Type string `json:"type,omitempty"`
	smart.Request
}

func toWire(ev agent.StreamEvent, sessionID string) wireEvent {
	if ev.Type == agent.EventDone {
		return wireEvent{Type: ev.Type, Data: doneData{SessionID: sessionID, Stats: ev.Stats}}
	}
	return wireEvent{Type: ev.Type, Data: ev.Data()}
}

// visible reports whether ev reaches a client outside detail mode. Progress
// events are still mirrored into the todo run for polling.
func visible(ev agent.StreamEvent, detail bool) bool {
	if detail {
		return true
	}
	switch ev.Type {
	case agent.EventContent, agent.EventError, agent.EventDone:
		return true
	}
	return false
}

// detailMode resolves the flag from the request, then the session.
func (s *Server) detailMode(ctx context.Context, req smart.Request, sessionID string) bool {
	if req.DetailMode != nil {
		return *req.DetailMode
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return sess.Metadata.DetailMode
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req smart.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sse := newSSEWriter(w)
	if sse == nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, sessionID, err := s.agent.Stream(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	detail := s.detailMode(ctx, req, sessionID)
	log := s.logger.WithSession(sessionID)

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !visible(ev, detail) {
				continue
			}
			if err := sse.send(toWire(ev, sessionID)); err != nil {
				log.Debug("client went away", "error", err)
				drain(events)
				return
			}
		case <-tick:
			sse.comment("ping")
		}
	}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if frame.Type == "ping" {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
			continue
		}
		if err := s.serveWSTurn(ctx, conn, frame.Request); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// serveWSTurn streams one turn. Turns on a connection run one at a time;
// a request error is reported as an error frame and the connection stays
// open.
func (s *Server) serveWSTurn(ctx context.Context, conn *websocket.Conn, req smart.Request) error {
	events, sessionID, err := s.agent.Stream(ctx, req)
	if err != nil {
		return conn.WriteJSON(wireEvent{Type: agent.EventError, Data: map[string]string{"error": err.Error()}})
	}
	detail := s.detailMode(ctx, req, sessionID)
	for ev := range events {
		if !visible(ev, detail) {
			continue
		}
		if err := conn.WriteJSON(toWire(ev, sessionID)); err != nil {
			drain(events)
			return err
		}
	}
	return nil
}

// drain consumes the rest of a turn so it can persist its outcome.
func drain(events <-chan agent.StreamEvent) {
	for range events {
	}
}
