package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame/workerpool"

	"github.com/voicebridge/voicebridge/internal/egress"
	"github.com/voicebridge/voicebridge/internal/registry"
	"github.com/voicebridge/voicebridge/internal/sfu"
)

// request is the inbound signaling envelope.
type request struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

// response correlates a reply with its request by requestId.
type response struct {
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Endpoint owns the websocket signaling surface: one long-lived channel per
// peer, a closed action set, and peer lifecycle cleanup on disconnect.
type Endpoint struct {
	registry   *registry.Registry
	router     *sfu.Router
	supervisor *egress.Supervisor
	pool       workerpool.WorkerPool
	autoEgress bool
	upgrader   websocket.Upgrader
}

// NewEndpoint wires the signaling endpoint. The signaling channel is
// trusted, so cross-origin upgrades are accepted.
func NewEndpoint(reg *registry.Registry, router *sfu.Router, sup *egress.Supervisor, pool workerpool.WorkerPool, autoEgress bool) *Endpoint {
	return &Endpoint{
		registry:   reg,
		router:     router,
		supervisor: sup,
		pool:       pool,
		autoEgress: autoEgress,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the peer's read loop until the
// socket drops.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := newWSClient(conn)

	peer := e.registry.AddPeer(client)
	ctx := context.WithoutCancel(r.Context())

	if err := client.Send(map[string]any{"type": "welcome", "id": peer.ID}); err != nil {
		e.disconnect(ctx, peer.ID)
		client.close()
		return
	}
	slog.InfoContext(ctx, "peer connected", slog.String("peer_id", peer.ID))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		e.handleMessage(ctx, peer, client, raw)
	}

	e.disconnect(ctx, peer.ID)
	client.close()
	slog.InfoContext(ctx, "peer disconnected", slog.String("peer_id", peer.ID))
}

func (e *Endpoint) handleMessage(ctx context.Context, peer *registry.Peer, client *wsClient, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = client.Send(response{OK: false, Error: "bad_json"})
		return
	}

	data, err := e.dispatch(ctx, peer, req)
	resp := response{RequestID: req.RequestID, OK: err == nil, Data: data}
	if err != nil {
		resp.Error = err.Error()
	}
	if serr := client.Send(resp); serr != nil {
		slog.WarnContext(ctx, "reply send failed",
			slog.String("peer_id", peer.ID),
			slog.String("action", req.Action),
			slog.String("error", serr.Error()))
	}
}

// disconnect releases everything a peer owns: its egress sessions, its SFU
// handles, and its room membership. Teardown errors never propagate.
func (e *Endpoint) disconnect(ctx context.Context, peerID string) {
	peer, ok := e.registry.RemovePeer(peerID)
	if !ok {
		return
	}
	for _, producerID := range peer.ProducerIDs() {
		_, _ = e.supervisor.StopEgress(ctx, producerID)
	}
	peer.CloseOwned()
}
