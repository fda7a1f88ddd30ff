package runtime

import (
	"net/http"
	"time"

	"github.com/drblury/paybridge/internal/runtime/jsoncodec"
)

// MethodInfo is one row of the /api/methods listing.
type MethodInfo struct {
	Request   string `json:"request"`
	Response  string `json:"response"`
	Streaming bool   `json:"streaming"`
}

// StatusInfo is served on /api/status.
type StatusInfo struct {
	State        string `json:"state"`
	PubSubSystem string `json:"pubsub_system"`
	Topic        string `json:"topic"`
	Backend      string `json:"backend"`
	Methods      int    `json:"methods"`
	Uptime       string `json:"uptime"`
}

func (s *Service) registerStatusHandlers(port int) {
	s.RegisterHTTPHandler(port, "/api/methods", http.HandlerFunc(s.handleGetMethods))
	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
}

// Methods lists the registry in the order it is reported in errors.
func (s *Service) Methods() []MethodInfo {
	entries := s.registry.Entries()
	out := make([]MethodInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, MethodInfo{Request: e.RequestMethod, Response: e.ResponseMethod, Streaming: e.Streaming})
	}
	return out
}

func (s *Service) handleGetMethods(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Methods())
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusInfo{
		State:        s.State().String(),
		PubSubSystem: s.Conf.PubSubSystem,
		Topic:        s.Conf.Topic,
		Backend:      s.Conf.BackendAddress(),
		Methods:      s.registry.Len(),
	}
	if !s.startedAt.IsZero() {
		status.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	}
	s.writeJSON(w, r, status)
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, body any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
