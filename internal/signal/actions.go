package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voicebridge/voicebridge/internal/registry"
	"github.com/voicebridge/voicebridge/internal/sfu"
)

var errUnknownAction = errors.New("unknown_action")

type joinRoomInput struct {
	RoomID string `json:"roomId"`
}

type setRoleInput struct {
	Role string `json:"role"`
}

type connectTransportInput struct {
	TransportID string `json:"transportId"`
	sfu.ConnectParams
}

type produceInput struct {
	TransportID   string            `json:"transportId"`
	Kind          string            `json:"kind"`
	RTPParameters sfu.RTPParameters `json:"rtpParameters"`
}

type producerInput struct {
	ProducerID string `json:"producerId"`
}

// dispatch is the single decode site for the closed action set. Every arm
// decodes its own typed input from req.Data.
func (e *Endpoint) dispatch(ctx context.Context, peer *registry.Peer, req request) (any, error) {
	switch req.Action {
	case "joinRoom":
		var in joinRoomInput
		if err := decode(req.Data, &in); err != nil {
			return nil, err
		}
		if in.RoomID == "" {
			return nil, errors.New("roomId required")
		}
		if err := e.registry.JoinRoom(peer.ID, in.RoomID); err != nil {
			return nil, err
		}
		return map[string]any{"roomId": in.RoomID}, nil

	case "setRole":
		var in setRoleInput
		if err := decode(req.Data, &in); err != nil {
			return nil, err
		}
		peer.SetRole(in.Role)
		return map[string]any{"role": in.Role}, nil

	case "getRouterRtpCapabilities":
		return e.router.RTPCapabilities(), nil

	case "createWebRtcTransport":
		return e.createWebRTCTransport(ctx, peer)

	case "connectTransport":
		var in connectTransportInput
		if err := decode(req.Data, &in); err != nil {
			return nil, err
		}
		transport, ok := peer.Transport(in.TransportID)
		if !ok {
			return nil, fmt.Errorf("transport %s not found", in.TransportID)
		}
		if err := transport.Connect(in.ConnectParams); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "produce":
		return e.produce(ctx, peer, req.Data)

	case "startEgress":
		var in producerInput
		if err := decode(req.Data, &in); err != nil {
			return nil, err
		}
		producer, ok := peer.Producer(in.ProducerID)
		if !ok {
			return nil, fmt.Errorf("producer %s not found", in.ProducerID)
		}
		roomID := peer.RoomID()
		if roomID == "" {
			roomID = "global"
		}
		return e.supervisor.StartEgress(ctx, roomID, peer.ID, peer.Role(), producer)

	case "stopEgress":
		var in producerInput
		if err := decode(req.Data, &in); err != nil {
			return nil, err
		}
		already, err := e.supervisor.StopEgress(ctx, in.ProducerID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"ok": true, "producerId": in.ProducerID}
		if already {
			out["alreadyStopped"] = true
		}
		return out, nil

	default:
		return nil, errUnknownAction
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bad data: %w", err)
	}
	return nil
}

func (e *Endpoint) createWebRTCTransport(ctx context.Context, peer *registry.Peer) (any, error) {
	transport, err := e.router.CreateWebRTCTransport(ctx)
	if err != nil {
		return nil, err
	}
	peer.AddTransport(transport)
	id := transport.ID()
	transport.OnClose(func() {
		peer.RemoveTransport(id)
	})

	info, err := transport.Info()
	if err != nil {
		transport.Close()
		return nil, err
	}
	return info, nil
}

func (e *Endpoint) produce(ctx context.Context, peer *registry.Peer, data json.RawMessage) (any, error) {
	var in produceInput
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	transport, ok := peer.Transport(in.TransportID)
	if !ok {
		return nil, fmt.Errorf("transport %s not found", in.TransportID)
	}

	producer, err := transport.Produce(in.Kind, in.RTPParameters)
	if err != nil {
		return nil, err
	}
	peer.AddProducer(producer)

	producerID := producer.ID()
	producer.OnClose(func() {
		peer.RemoveProducer(producerID)
		_, _ = e.supervisor.StopEgress(context.Background(), producerID)
	})

	if e.autoEgress && in.Kind == "audio" {
		roomID := peer.RoomID()
		if roomID == "" {
			roomID = "global"
		}
		peerID := peer.ID
		role := peer.Role()
		start := func() {
			if _, err := e.supervisor.StartEgress(ctx, roomID, peerID, role, producer); err != nil {
				slog.WarnContext(ctx, "auto egress failed",
					slog.String("producer_id", producerID),
					slog.String("error", err.Error()))
			}
		}
		if e.pool != nil {
			if err := e.pool.Submit(ctx, start); err != nil {
				go start()
			}
		} else {
			go start()
		}
	}

	return map[string]any{"id": producerID}, nil
}
