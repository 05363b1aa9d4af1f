package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/models"
)

// Websocket keepalive timing.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// replyResult is the result body of POST /replies.
type replyResult struct {
	ExpectationID  models.ExpectationID     `json:"expectation_id"`
	Classification models.ReplyClass        `json:"classification"`
	Duplicate      bool                     `json:"duplicate,omitempty"`
	Late           bool                     `json:"late,omitempty"`
	Event          *models.StateChangeEvent `json:"event,omitempty"`
}

// replyHandler injects an inbound reply as if it had arrived from the transport.
func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	var reply models.InboundReply
	if err := decodeJSON(w, r, &reply); err != nil {
		writeError(w, "Server.replyHandler", err)
		return
	}
	if reply.From == "" {
		writeError(w, "Server.replyHandler", badRequest(errors.New("from is required")))
		return
	}

	result, err := s.svc.HandleInbound(r.Context(), reply)
	switch {
	case errors.Is(err, correlate.ErrUnrecognizedSender), errors.Is(err, correlate.ErrNoPendingExpectation):
		slog.Debug("Server.replyHandler: reply ignored", "from", reply.From, "reason", err)
		writeJSONResponse(w, http.StatusOK, models.Ignored(err.Error()))
		return
	case err != nil:
		writeError(w, "Server.replyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(replyResult{
		ExpectationID:  result.Expectation.ID,
		Classification: result.Classification,
		Duplicate:      result.Duplicate,
		Late:           result.Late,
		Event:          result.Event,
	}))
}

// eventsHandler streams StateChangeEvents over a websocket until either side closes.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event published after the
	// client sees the upgrade is missed.
	sub := s.svc.Subscribe()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		sub.Close()
		slog.Warn("Server.eventsHandler: websocket upgrade failed", "error", err)
		return
	}
	slog.Info("Server.eventsHandler: subscriber connected", "subscriberID", sub.ID(), "remote", r.RemoteAddr)
	defer func() {
		sub.Close()
		conn.Close()
		slog.Info("Server.eventsHandler: subscriber disconnected", "subscriberID", sub.ID())
	}()

	// The read loop only services control frames and notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Server.eventsHandler: write failed", "subscriberID", sub.ID(), "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
