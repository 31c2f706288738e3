package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/sheetsync/internal/services/relay/wire"
	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/storage"
)

type wsIdentityContextKey struct{}

func newHandler(hub *roomHub, authorizer wsAuthorizer, logger *log.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, logger)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if authorizer != nil {
			id, err := authorizer.Authenticate(r.Context(), accessTokenFromRequest(r))
			if err != nil {
				logger.Printf("relay: websocket unauthorized for remote=%s: %v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsIdentityContextKey{}, id))
		}
		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /spreadsheets/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		handleSnapshot(w, r, hub, authorizer)
	})
	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// handleSnapshot serves the live replica of an open room, or the stored
// snapshot of a closed one.
func handleSnapshot(w http.ResponseWriter, r *http.Request, hub *roomHub, authorizer wsAuthorizer) {
	spreadsheetID := strings.TrimSpace(r.PathValue("id"))
	if authorizer != nil {
		id, err := authorizer.Authenticate(r.Context(), accessTokenFromRequest(r))
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if id.SpreadsheetID != "" && id.SpreadsheetID != spreadsheetID {
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}
	}

	var snapshot storage.Snapshot
	if room := hub.lookup(spreadsheetID); room != nil {
		snapshot = room.replica.export()
	} else if hub.config.Snapshots != nil {
		var err error
		snapshot, err = hub.config.Snapshots.GetSnapshot(r.Context(), spreadsheetID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		if err != nil {
			hub.config.Logger.Printf("relay: load snapshot of %s: %v", spreadsheetID, err)
			http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
	} else {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		hub.config.Logger.Printf("relay: write snapshot of %s: %v", spreadsheetID, err)
	}
}

func handleWSConn(conn *websocket.Conn, hub *roomHub, logger *log.Logger) {
	defer func() {
		_ = conn.Close()
	}()

	var id identity
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(identity); ok {
			id = resolved
		}
	}
	peer := newWSPeer(func() { _ = conn.Close() })
	go peer.writeLoop(json.NewEncoder(conn))
	defer peer.close()

	session := newWSSession(id, peer)
	defer func() {
		if room := session.currentRoom(); room != nil {
			room.leave(peer)
		}
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-peer.done:
				return
			default:
			}
			decodeErrors++
			writeWSError(peer, "", wire.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			writeWSError(peer, frame.RequestID, wire.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeWSError(peer, frame.RequestID, wire.CodeResourceExhausted, "rate limit exceeded")
			return
		}

		switch frame.Type {
		case wire.FrameJoin:
			handleJoinFrame(conn.Request().Context(), session, hub, frame, logger)
		case wire.FrameSend:
			handleSendFrame(conn.Request().Context(), session, frame, logger)
		default:
			writeWSError(peer, frame.RequestID, wire.CodeInvalidArgument, "unsupported frame type")
		}
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, hub *roomHub, frame wire.Frame, logger *log.Logger) {
	var payload wire.JoinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSError(session.peer, frame.RequestID, wire.CodeInvalidArgument, "invalid join payload")
		return
	}
	spreadsheetID := strings.TrimSpace(payload.SpreadsheetID)
	if spreadsheetID == "" {
		writeWSError(session.peer, frame.RequestID, wire.CodeInvalidArgument, "spreadsheet_id is required")
		return
	}
	if restricted := session.identity.SpreadsheetID; restricted != "" && restricted != spreadsheetID {
		writeWSError(session.peer, frame.RequestID, wire.CodeForbidden, "access token does not grant this spreadsheet")
		return
	}

	room, err := hub.room(ctx, spreadsheetID)
	if err != nil {
		logger.Printf("relay: open room %s: %v", spreadsheetID, err)
		writeWSError(session.peer, frame.RequestID, wire.CodeUnavailable, "spreadsheet room unavailable")
		return
	}
	if previous := session.setRoom(room); previous != nil && previous != room {
		previous.leave(session.peer)
	}
	room.join(session.peer, payload.SinceSeq)
}

func handleSendFrame(ctx context.Context, session *wsSession, frame wire.Frame, logger *log.Logger) {
	var payload wire.SendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSError(session.peer, frame.RequestID, wire.CodeInvalidArgument, "invalid send payload")
		return
	}
	msg := payload.Message
	if problem := validateMessage(msg); problem != "" {
		writeWSError(session.peer, frame.RequestID, wire.CodeInvalidArgument, problem)
		return
	}
	if owner := session.identity.ClientID; owner != "" && owner != msg.ClientID {
		writeWSError(session.peer, frame.RequestID, wire.CodeForbidden, "client_id does not match access token")
		return
	}
	room := session.currentRoom()
	if room == nil {
		writeWSError(session.peer, frame.RequestID, wire.CodeForbidden, "must join a spreadsheet before sending")
		return
	}

	if !msg.Ordered() {
		room.broadcast(session.peer, msg)
		writeAck(session.peer, frame.RequestID, wire.AckPayload{Status: "ok"})
		return
	}
	seq, duplicate, err := room.appendMessage(ctx, msg)
	if err != nil {
		logger.Printf("relay: append to %s from %s: %v", room.spreadsheetID, msg.ClientID, err)
		writeWSError(session.peer, frame.RequestID, wire.CodeUnavailable, "message could not be stored")
		return
	}
	writeAck(session.peer, frame.RequestID, wire.AckPayload{Status: "ok", Seq: seq, Duplicate: duplicate})
}

func validateMessage(msg collab.Message) string {
	if strings.TrimSpace(msg.ClientID) == "" {
		return "client_id is required"
	}
	if msg.ClientID == replicaClientID {
		return "client_id is reserved"
	}
	switch msg.Type {
	case collab.MessagePresence:
	case collab.MessageRevision:
		if msg.RevisionID == "" || len(msg.Commands) == 0 {
			return "revision_id and commands are required"
		}
	case collab.MessageUndo, collab.MessageRedo:
		if msg.RevisionID == "" {
			return "revision_id is required"
		}
	default:
		return "unsupported message type"
	}
	if msg.Ordered() && msg.Counter() < 1 {
		return "state_vector must count the message"
	}
	return ""
}

func writeAck(peer *wsPeer, requestID string, ack wire.AckPayload) {
	frame, err := wire.NewFrame(wire.FrameAck, requestID, ack)
	if err != nil {
		log.Printf("relay: encode ack: %v", err)
		return
	}
	peer.enqueue(frame)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) {
	frame, err := wire.NewFrame(wire.FrameError, requestID, wire.ErrorPayload{Code: code, Message: message, Retryable: wire.Retryable(code)})
	if err != nil {
		log.Printf("relay: encode error frame: %v", err)
		return
	}
	peer.enqueue(frame)
}
