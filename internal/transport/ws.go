package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/types"
)

const (
	// writeWait, pongWait, and pingPeriod are unchanged from the
	// teacher's pkg/websocket/client.go.
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket implements GET /ws (spec §6 "Connection establishment
// (subscribe)"): authenticates via token query/header, registers the
// connection under its requested chatIds, and runs the read/write pump
// pair the teacher's pkg/websocket/client.go established, generalized
// from a single flat hub to this broker's per-connection registry
// entry and shared Publisher.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.jwt.WebSocketAuth(r)
	if err != nil {
		if s.cfg.Auth.RequireAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	userID := "dev-user"
	if claims != nil {
		userID = claims.UserID
	}
	if userID == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	chatIDs := splitCSV(r.URL.Query().Get("chatIds"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ConnectionErrors.Inc()
		s.logger.Printf("websocket upgrade error: %v", err)
		return
	}
	tuneTCPConn(conn.UnderlyingConn())

	connectionID := uuid.NewString()
	writer, ok := s.registry.Register(connectionID, userID, chatIDs)
	if !ok {
		// uuid collision: practically unreachable, but the registry
		// contract requires a caller-visible failure mode.
		conn.Close()
		return
	}
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	go s.writePump(conn, writer, connectionID)
	s.readPump(conn, connectionID, userID)
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writePump drains writer (the registry's per-connection channel, fed
// by the Processor's fan-out and by ack frames) to the socket, with a
// ping ticker keeping the connection alive, unchanged in shape from the
// teacher's Client.handleConnection outbound branch.
func (s *Server) writePump(conn *websocket.Conn, writer <-chan []byte, connectionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-writer:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.metrics.RecordError("websocket_write")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.metrics.RecordError("websocket_ping")
				return
			}
		}
	}
}

// readPump reads sendMessage frames from the peer and routes them
// through the shared Publisher, exactly the contract POST /publish
// uses, differing only in where the originConnectionID for ACK
// delivery comes from. It owns connection teardown: on any read error
// it unregisters the connection and drops its pending ACKs.
func (s *Server) readPump(conn *websocket.Conn, connectionID, userID string) {
	defer func() {
		s.registry.Unregister(connectionID)
		s.pendingAck.DropConnection(connectionID)
		s.metrics.ConnectionsActive.Dec()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Printf("websocket error for connection %s: %v", connectionID, err)
				s.metrics.RecordError("websocket_read")
			}
			return
		}
		s.handleFrame(connectionID, userID, message)
	}
}

func (s *Server) handleFrame(connectionID, userID string, message []byte) {
	var req types.PublishRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.logger.Printf("malformed frame from connection %s: %v", connectionID, err)
		s.metrics.RecordError("frame_parse")
		return
	}
	if req.Action != "" && req.Action != "sendMessage" {
		s.metrics.RecordError("unknown_action")
		return
	}

	_, err := s.publisher.Publish(context.Background(), userID, connectionID, req)
	if err != nil {
		s.metrics.RecordError(brokererr.Kind(err).Error())
		s.logger.Printf("publish failed for connection %s: %v", connectionID, err)
	}
}
