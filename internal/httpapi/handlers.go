package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openvtt/backend/internal/archive"
	"github.com/openvtt/backend/internal/hub"
)

type createRequest struct {
	Name    string `json:"name"`
	Referee string `json:"referee"`
}

func CreateSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Referee == "" {
			http.Error(w, "referee required", http.StatusBadRequest)
			return
		}

		reply := make(chan hub.Info, 1)
		h.Inbox() <- hub.CreateSession{Name: req.Name, Referee: req.Referee, Reply: reply}
		info := <-reply

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(info)
	}
}

type joinRequest struct {
	Code string `json:"code"`
}

// JoinSession resolves a room code entered by a player. The actual join
// happens over the websocket; this endpoint exists so the client can
// validate the code and show the session name first.
func JoinSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		code := strings.ToUpper(strings.TrimSpace(req.Code))

		reply := make(chan *hub.Info, 1)
		h.Inbox() <- hub.GetSession{Code: code, Reply: reply}
		info := <-reply
		if info == nil {
			http.Error(w, "unknown code", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}
}

// RecentSessions lists recently archived sessions, optionally narrowed to
// one participant with ?user=.
func RecentSessions(arc *archive.Archive, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if arc == nil {
			_, _ = w.Write([]byte("[]"))
			return
		}
		var sessions []archive.Session
		var err error
		if user := r.URL.Query().Get("user"); user != "" {
			sessions, err = arc.RecentSessionsFor(user, 20)
		} else {
			sessions, err = arc.RecentSessions(20)
		}
		if err != nil {
			log.Warn("recent sessions query failed", zap.Error(err))
			http.Error(w, "archive unavailable", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(sessions)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
