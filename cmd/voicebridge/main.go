package main

import (
	"context"
	"fmt"
	"log"

	"github.com/pitabwire/frame"
	frameconfig "github.com/pitabwire/frame/config"

	vbconfig "github.com/voicebridge/voicebridge/config"
	"github.com/voicebridge/voicebridge/internal/analysis"
	"github.com/voicebridge/voicebridge/internal/egress"
	"github.com/voicebridge/voicebridge/internal/httpapi"
	"github.com/voicebridge/voicebridge/internal/registry"
	"github.com/voicebridge/voicebridge/internal/sfu"
	"github.com/voicebridge/voicebridge/internal/signal"
)

func main() {
	ctx := context.Background()

	cfg, err := frameconfig.LoadWithOIDC[vbconfig.ServiceConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("voicebridge"),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	router, err := sfu.NewRouter(sfu.RouterConfig{
		MinPort:     uint16(cfg.RTCMinPort),
		MaxPort:     uint16(cfg.RTCMaxPort),
		AnnouncedIP: cfg.AnnouncedIP,
	})
	if err != nil {
		log.Fatalf("building router: %v", err)
	}

	reg := registry.NewRegistry(pool)
	forwarder := analysis.NewForwarder(cfg.PythonURL, cfg.ForwardTimeout(), reg)

	supervisor := egress.NewSupervisor(egress.SupervisorConfig{
		SpoolDir:       cfg.SpoolDir(),
		PollInterval:   cfg.PollInterval(),
		StartupGrace:   cfg.StartupGrace(),
		MaxPortRetries: cfg.MaxEgressPortRetries,
		Pipeline: egress.PipelineConfig{
			BinaryPath:      cfg.GstBin,
			JitterLatencyMs: cfg.GstJitterLatencyMs,
			ChunkSeconds:    cfg.EgressChunkSeconds,
		},
	}, router, forwarder, pool)
	defer supervisor.StopAll(ctx)

	endpoint := signal.NewEndpoint(reg, router, supervisor, pool, cfg.AutoEgress)

	api := httpapi.NewServer(forwarder, endpoint, func() httpapi.Stats {
		peers, rooms := reg.Counts()
		return httpapi.Stats{
			OK:             true,
			Rooms:          rooms,
			Peers:          peers,
			EgressSessions: supervisor.SessionCount(),
		}
	}, cfg.SpoolDir())

	srv.Init(ctx, frame.WithHTTPHandler(api.Handler()))

	if err := srv.Run(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
