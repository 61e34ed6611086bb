package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/voicebridge/voicebridge/internal/analysis"
)

// Stats is the reply shape of GET /stats.
type Stats struct {
	OK             bool `json:"ok"`
	Rooms          int  `json:"rooms"`
	Peers          int  `json:"peers"`
	EgressSessions int  `json:"egressSessions"`
}

// Server exposes the HTTP surface: health probe, compatibility upload,
// stats, and the websocket signaling mount.
type Server struct {
	forwarder *analysis.Forwarder
	signal    http.Handler
	stats     func() Stats
	uploadDir string
}

// NewServer wires the HTTP handlers. uploadDir stages compatibility
// uploads; empty means the OS temp dir.
func NewServer(forwarder *analysis.Forwarder, signalHandler http.Handler, stats func() Stats, uploadDir string) *Server {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &Server{
		forwarder: forwarder,
		signal:    signalHandler,
		stats:     stats,
		uploadDir: uploadDir,
	}
}

// Handler returns the full route tree behind the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/upload-audio", s.handleUpload)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/ws", s.signal)
	return withCORS(mux)
}

// withCORS applies the permissive CORS policy and answers preflights.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

// handleUpload is the compatibility path: stage the multipart upload to a
// temp file, forward it downstream, broadcast the verdict, and mirror the
// analysis body back to the caller.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method_not_allowed"})
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no_audio"})
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(s.uploadDir, "upload-*"+safeExt(header.Filename))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "staging_failed"})
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "staging_failed"})
		return
	}

	roomID := r.FormValue("roomId")
	if roomID == "" {
		roomID = "global"
	}
	fields := analysis.Fields{
		RoomID:      roomID,
		Seq:         r.FormValue("seq"),
		Timestamp:   r.FormValue("timestamp"),
		ClientID:    r.FormValue("clientId"),
		ContextHint: r.FormValue("context_hint"),
	}

	staged, err := os.Open(tmpPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "staging_failed"})
		return
	}
	name := header.Filename
	if name == "" {
		name = filepath.Base(tmpPath)
	}
	verdict, err := s.forwarder.ForwardAndBroadcast(r.Context(), name, staged, fields)
	staged.Close()
	if err != nil {
		slog.WarnContext(r.Context(), "upload forward failed",
			slog.String("room_id", roomID), slog.String("error", err.Error()))
		body := map[string]any{"error": "forward_failed", "detail": err.Error()}
		var upstream *analysis.UpstreamError
		if errors.As(err, &upstream) {
			body["python_status"] = upstream.Status
			body["python_body"] = upstream.Body
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(verdict.Raw)
}

// safeExt keeps the client extension for the staged file, dropping
// anything that is not a plain suffix.
func safeExt(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("write response: %v", err))
	}
}
