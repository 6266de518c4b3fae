package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxtail/internal/protocol"
	"github.com/antoniostano/voxtail/internal/session"
)

const wsWriteTimeout = 10 * time.Second

// handleMeetingWS pushes lifecycle events of one meeting until it closes.
func (s *Server) handleMeetingWS(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "id")
	events, unsubscribe, err := s.svc.Subscribe(meetingID)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					// Session closed: say goodbye and unblock the reader.
					deadline := time.Now().Add(wsWriteTimeout)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "meeting closed"), deadline)
					_ = conn.Close()
					return
				}
				if !s.writeWS(conn, sessionEventMessage(ev)) {
					cancel()
					return
				}
			case msg := <-outbound:
				if !s.writeWS(conn, msg) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var reply any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply = protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				MeetingID: meetingID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
		} else if control, ok := parsed.(protocol.ClientControl); ok {
			if control.Action == protocol.ActionClose {
				break readLoop
			}
			reply = protocol.SystemEvent{Type: protocol.TypeSystemEvent, MeetingID: meetingID, Code: "pong"}
		}
		if reply == nil {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case outbound <- reply:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func sessionEventMessage(ev session.Event) protocol.SessionEvent {
	return protocol.SessionEvent{
		Type:      protocol.TypeSessionEvent,
		MeetingID: ev.SessionID,
		Event:     string(ev.Type),
		State:     string(ev.State),
		Speaker:   ev.Speaker,
		Reason:    string(ev.Reason),
		At:        ev.At,
	}
}
