package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openvtt/backend/internal/archive"
	"github.com/openvtt/backend/internal/hub"
	"github.com/openvtt/backend/internal/ws"
)

// SetupRoutes builds the public router. arc may be nil when the server runs
// without a database; the recent-sessions listing then returns empty.
func SetupRoutes(h *hub.Hub, arc *archive.Archive, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/sessions", CreateSession(h))
	r.Post("/sessions/join", JoinSession(h))
	r.Get("/sessions/recent", RecentSessions(arc, log))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))
	return r
}
