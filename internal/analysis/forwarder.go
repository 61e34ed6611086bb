package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Fields are the multipart string fields sent alongside the audio. Values
// are forwarded verbatim; empty fields are omitted.
type Fields struct {
	RoomID      string
	Seq         string
	Timestamp   string
	ClientID    string
	ContextHint string
}

// Verdict is the analysis service's reply. Raw retains the unmodified body
// so the compatibility endpoint can pass unknown fields through unchanged.
type Verdict struct {
	ChunkID     string            `json:"chunk_id"`
	Gate        json.RawMessage   `json:"gate"`
	NewInsights []json.RawMessage `json:"new_insights"`
	MemoryState json.RawMessage   `json:"memory_state"`
	Meta        struct {
		ReceivedAt string `json:"received_at"`
	} `json:"meta"`

	Raw json.RawMessage `json:"-"`
}

// UpstreamError reports a non-2xx reply from the analysis service.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.Status, e.Body)
}

// Broadcaster fans a payload out to every member of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, payload any)
}

// Forwarder posts audio to the analysis service and broadcasts verdicts.
type Forwarder struct {
	url    string
	client *http.Client
	rooms  Broadcaster
}

// NewForwarder creates a forwarder with a bounded end-to-end timeout.
func NewForwarder(url string, timeout time.Duration, rooms Broadcaster) *Forwarder {
	return &Forwarder{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rooms: rooms,
	}
}

// Forward POSTs the audio and fields as multipart/form-data and returns the
// parsed verdict. The body is streamed; nothing is buffered beyond the
// multipart framing.
func (f *Forwarder) Forward(ctx context.Context, filename string, audio io.Reader, fields Fields) (*Verdict, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, filename, audio, fields)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, pr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to analysis service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(snippet)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read analysis reply: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode analysis reply: %w", err)
	}
	v.Raw = body
	return &v, nil
}

func writeForm(mw *multipart.Writer, filename string, audio io.Reader, fields Fields) error {
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}

	for _, kv := range []struct{ k, v string }{
		{"roomId", fields.RoomID},
		{"seq", fields.Seq},
		{"timestamp", fields.Timestamp},
		{"clientId", fields.ClientID},
		{"context_hint", fields.ContextHint},
	} {
		if kv.v == "" {
			continue
		}
		if err := mw.WriteField(kv.k, kv.v); err != nil {
			return err
		}
	}
	return nil
}

// ForwardFile forwards an on-disk segment.
func (f *Forwarder) ForwardFile(ctx context.Context, path string, fields Fields) (*Verdict, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer file.Close()
	return f.Forward(ctx, filepath.Base(path), file, fields)
}

// ForwardAndBroadcast forwards the audio and fans the verdict out to the
// room: type "insights" when the verdict carries new insights, else "gate".
func (f *Forwarder) ForwardAndBroadcast(ctx context.Context, filename string, audio io.Reader, fields Fields) (*Verdict, error) {
	v, err := f.Forward(ctx, filename, audio, fields)
	if err != nil {
		return nil, err
	}
	f.broadcastVerdict(ctx, fields.RoomID, v)
	return v, nil
}

func (f *Forwarder) broadcastVerdict(ctx context.Context, roomID string, v *Verdict) {
	event := "gate"
	if len(v.NewInsights) > 0 {
		event = "insights"
	}

	payload := map[string]any{
		"type":         event,
		"roomId":       roomID,
		"chunk_id":     v.ChunkID,
		"gate":         v.Gate,
		"memory_state": v.MemoryState,
		"received_at":  v.Meta.ReceivedAt,
	}
	if event == "insights" {
		payload["new_insights"] = v.NewInsights
	}
	f.rooms.Broadcast(ctx, roomID, payload)
}
