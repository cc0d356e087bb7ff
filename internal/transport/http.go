package transport

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"chatbroker/internal/auth"
	"chatbroker/internal/brokererr"
	"chatbroker/internal/history"
	"chatbroker/internal/permissions"
	"chatbroker/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, brokererr.HTTPStatus(err), map[string]string{"error": brokererr.Kind(err).Error()})
}

// handlePublish implements POST /publish (spec §6 "Publish (HTTP
// path)"): same body as the WebSocket sendMessage frame, minus action,
// authenticated via bearer JWT rather than a live connection. There is
// no connection to deliver an eventual ACK frame to, so requestAck is
// accepted but never fulfilled (see publish.Publisher.Publish's
// originConnectionID contract).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())

	var req types.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.ErrValidation)
		return
	}

	result, err := s.publisher.Publish(r.Context(), claims.UserID, "", req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMessages implements GET /messages (spec §6 "History read").
// limit's absence vs. an explicit 0 must be distinguished: history.Query
// uses -1 to mean "use the store's default" and 0 to mean the spec's
// documented empty-page boundary, so an absent query parameter maps to
// -1 while "limit=0" maps to literal 0.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeError(w, brokererr.ErrValidation)
		return
	}

	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, brokererr.ErrValidation)
			return
		}
		limit = v
	}

	query := history.Query{ChatID: chatID, Limit: limit, StartCursor: r.URL.Query().Get("startKey")}
	if raw := r.URL.Query().Get("fromTimestamp"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, brokererr.ErrValidation)
			return
		}
		query.FromTimestamp = &t
	}
	if raw := r.URL.Query().Get("toTimestamp"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, brokererr.ErrValidation)
			return
		}
		query.ToTimestamp = &t
	}

	page, err := s.history.List(query)
	if err != nil {
		writeError(w, err)
		return
	}

	s.metrics.HistoryReads.Inc()

	resp := map[string]interface{}{
		"chatId":   chatID,
		"messages": page.Items,
		"count":    len(page.Items),
	}
	if page.NextCursor != "" {
		resp["nextStartKey"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

type permissionRequest struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	Role   string `json:"role"`
}

// handlePermissions implements POST/DELETE/GET /permissions (spec §6).
// This surface is the Resolver's own admin path, not gated behind the
// Resolver's own May check — granting access is a separate concern the
// spec leaves to an external identity system in production.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("userId")
		chatID := r.URL.Query().Get("chatId")
		if userID == "" || chatID == "" {
			writeError(w, brokererr.ErrValidation)
			return
		}
		role, ok := s.resolver.RoleOf(userID, chatID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"userId": userID, "chatId": chatID, "granted": ok, "role": string(role),
		})

	case http.MethodPost:
		var req permissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ChatID == "" {
			writeError(w, brokererr.ErrValidation)
			return
		}
		s.resolver.Grant(req.UserID, req.ChatID, permissions.Role(req.Role))
		writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})

	case http.MethodDelete:
		var req permissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ChatID == "" {
			writeError(w, brokererr.ErrValidation)
			return
		}
		s.resolver.Revoke(req.UserID, req.ChatID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth generalizes the teacher's handleHealth, reporting this
// broker's own dimensions (registry size, not hub client count) rather
// than NATS connectivity, which belongs to the relay substrate and
// isn't required for a single instance to be healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]interface{}{
			"registry": map[string]interface{}{
				"connections": s.registry.Count(),
			},
			"pendingAcks": s.pendingAck.Len(),
		},
		"system": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// handleSystemMetrics generalizes the teacher's handleSystemMetrics,
// reporting the same gopsutil-derived snapshot.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"system":    s.system.GetSystemInfo(),
		"memory":    s.system.GetMemoryStats(),
	})
}

// handleGenerateToken is the teacher's dev-only test token minting
// endpoint, only registered when RequireAuth is false. An optional
// chatId grants the minted userId the requested (or default "member")
// role via the same Resolver every live request is checked against, so
// a token handed out here is immediately usable against /publish and
// /ws rather than carrying a Role claim the Resolver has never heard of.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("userId")
	role := permissions.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = permissions.Role("member")
	}

	if chatID := r.URL.Query().Get("chatId"); chatID != "" {
		if userID == "" {
			userID = "test-user-123"
		}
		s.resolver.Grant(userID, chatID, role)
	}

	token, err := s.jwt.GenerateTestToken(userID, role)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
