package sfu

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Opus as negotiated with every publisher. The router advertises exactly one
// audio codec; consumers inherit this descriptor.
const (
	OpusPayloadType uint8  = 111
	OpusClockRate   uint32 = 48000
	OpusChannels    uint16 = 2
)

// RouterConfig holds the transport-level settings applied to every
// transport the router creates.
type RouterConfig struct {
	MinPort     uint16
	MaxPort     uint16
	AnnouncedIP string
}

// Router is the media-routing core: it owns the shared webrtc.API with the
// audio-only MediaEngine and mints WebRTC transports and plain receivers.
type Router struct {
	api *webrtc.API
	cfg RouterConfig
}

// NewRouter builds a router advertising Opus 48kHz stereo plus the
// ssrc-audio-level header extension.
func NewRouter(cfg RouterConfig) (*Router, error) {
	me := &webrtc.MediaEngine{}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   OpusClockRate,
			Channels:    OpusChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: webrtc.PayloadType(OpusPayloadType),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level"},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio-level extension: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Router{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

// RTPCapabilities returns the capabilities blob served to clients by
// getRouterRtpCapabilities. One audio codec, one header extension.
func (r *Router) RTPCapabilities() map[string]any {
	return map[string]any{
		"codecs": []map[string]any{
			{
				"kind":                 "audio",
				"mimeType":             webrtc.MimeTypeOpus,
				"clockRate":            OpusClockRate,
				"channels":             OpusChannels,
				"preferredPayloadType": OpusPayloadType,
				"parameters": map[string]any{
					"minptime":     10,
					"useinbandfec": 1,
				},
				"rtcpFeedback": []any{},
			},
		},
		"headerExtensions": []map[string]any{
			{
				"kind":        "audio",
				"uri":         "urn:ietf:params:rtp-hdrext:ssrc-audio-level",
				"preferredId": 1,
			},
		},
	}
}
