package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/analysis"
)

type fakeRooms struct {
	mu       sync.Mutex
	roomIDs  []string
	payloads []any
}

func (f *fakeRooms) Broadcast(_ context.Context, roomID string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomIDs = append(f.roomIDs, roomID)
	f.payloads = append(f.payloads, payload)
}

func (f *fakeRooms) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roomIDs...)
}

// newTestServer stands the HTTP surface up against a stubbed analysis
// service.
func newTestServer(t *testing.T, analysisHandler http.HandlerFunc) (*httptest.Server, *fakeRooms) {
	t.Helper()

	upstream := httptest.NewServer(analysisHandler)
	t.Cleanup(upstream.Close)

	rooms := &fakeRooms{}
	forwarder := analysis.NewForwarder(upstream.URL, 5*time.Second, rooms)

	srv := NewServer(forwarder, http.NotFoundHandler(), func() Stats {
		return Stats{OK: true, Rooms: 1, Peers: 2, EgressSessions: 3}
	}, t.TempDir())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, rooms
}

func okAnalysis(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"chunk_id":"c1","gate":{"pass":true},"extra":"kept"}`))
}

func multipartBody(t *testing.T, fields map[string]string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if audio != nil {
		part, err := mw.CreateFormFile("audio", "chunk.wav")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(audio); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	return buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, okAnalysis)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.OK {
		t.Errorf("body not ok: %v", err)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, okAnalysis)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/upload-audio", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods header")
	}
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t, okAnalysis)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if !stats.OK || stats.Rooms != 1 || stats.Peers != 2 || stats.EgressSessions != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUploadMissingAudio(t *testing.T) {
	ts, _ := newTestServer(t, okAnalysis)

	buf, ctype := multipartBody(t, map[string]string{"roomId": "r"}, nil)
	resp, err := http.Post(ts.URL+"/upload-audio", ctype, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error != "no_audio" {
		t.Errorf("body error = %q", body.Error)
	}
}

func TestUploadMirrorsVerdict(t *testing.T) {
	var gotRoom string
	ts, rooms := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		gotRoom = r.FormValue("roomId")
		okAnalysis(w, r)
	})

	buf, ctype := multipartBody(t, map[string]string{"roomId": "meeting"}, []byte("RIFFwav"))
	resp, err := http.Post(ts.URL+"/upload-audio", ctype, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)

	// Unknown upstream fields pass through untouched.
	var mirrored map[string]any
	if err := json.Unmarshal(body, &mirrored); err != nil {
		t.Fatalf("decoding mirrored body: %v", err)
	}
	if mirrored["extra"] != "kept" || mirrored["chunk_id"] != "c1" {
		t.Errorf("mirrored body = %s", body)
	}
	if gotRoom != "meeting" {
		t.Errorf("upstream got room %q", gotRoom)
	}
	if got := rooms.rooms(); len(got) != 1 || got[0] != "meeting" {
		t.Errorf("broadcast rooms = %v", got)
	}
}

func TestUploadDefaultsRoom(t *testing.T) {
	var gotRoom string
	ts, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		gotRoom = r.FormValue("roomId")
		okAnalysis(w, r)
	})

	buf, ctype := multipartBody(t, nil, []byte("RIFFwav"))
	resp, err := http.Post(ts.URL+"/upload-audio", ctype, buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotRoom != "global" {
		t.Errorf("got room %q, want global", gotRoom)
	}
}

func TestUploadUpstreamFailure(t *testing.T) {
	ts, rooms := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	buf, ctype := multipartBody(t, map[string]string{"roomId": "r"}, []byte("RIFFwav"))
	resp, err := http.Post(ts.URL+"/upload-audio", ctype, buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error        string `json:"error"`
		PythonStatus int    `json:"python_status"`
		PythonBody   string `json:"python_body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "forward_failed" || body.PythonStatus != http.StatusBadGateway || body.PythonBody != "upstream down" {
		t.Errorf("body = %+v", body)
	}
	if len(rooms.rooms()) != 0 {
		t.Error("broadcast made despite failure")
	}
}

func TestUploadRejectsGet(t *testing.T) {
	ts, _ := newTestServer(t, okAnalysis)

	resp, err := http.Get(ts.URL + "/upload-audio")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d, want 405", resp.StatusCode)
	}
}
