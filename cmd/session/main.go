package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
	"meshspace/internal/core/services"
	"meshspace/internal/infrastructure/monitoring"
	signalclient "meshspace/internal/infrastructure/signal"
	webrtcinfra "meshspace/internal/infrastructure/webrtc"
	"meshspace/pkg/backoff"
	"meshspace/pkg/config"
	"meshspace/pkg/logger"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	peerID := domain.PeerID(uuid.NewString())

	// Capture device denial degrades the session, it never aborts it.
	var media *webrtcinfra.StaticSource
	media, err = webrtcinfra.NewStaticSource(log)
	if err != nil {
		log.Warnw("media capture unavailable, joining without media", "error", err)
		media = nil
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	engineCfg := webrtcinfra.EngineConfig{ICEServers: iceServers}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	collector := monitoring.NewPrometheusCollector()

	// A nil *StaticSource must stay a nil interface.
	var mediaPort ports.MediaSource
	if media != nil {
		mediaPort = media
	}
	factory := webrtcinfra.NewLinkFactory(engineCfg, mediaPort, collector, log)

	client := signalclient.NewClient(signalclient.ClientConfig{
		URL:    cfg.Signal.URL,
		PeerID: peerID,
		Token:  os.Getenv("MESHSPACE_TOKEN"),
		Policy: backoff.Policy{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			CapDelay:    cfg.Reconnect.CapDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}, log)

	sessionCfg := services.SessionConfig{
		DisplayName:       cfg.Session.DisplayName,
		TickInterval:      cfg.Session.TickInterval,
		ProximityInterval: cfg.Session.ProximityInterval,
		MaxMediaDistance:  cfg.Session.MaxMediaDistance,
		SpawnSpread:       cfg.Session.SpawnSpread,
		Thresholds: domain.Thresholds{
			Position: cfg.Session.PositionEpsilon,
			Velocity: cfg.Session.VelocityEpsilon,
			Yaw:      cfg.Session.YawEpsilon,
		},
		PeerTimeout: cfg.Session.PeerTimeout,
	}
	svc := services.NewSessionService(sessionCfg, client, factory, mediaPort, collector, log)

	svc.OnEvent(func(ev domain.SessionEvent) {
		switch ev.Kind {
		case domain.EventPeerJoined:
			log.Infow("peer joined", "peer_id", ev.PeerID)
		case domain.EventPeerLeft:
			log.Infow("peer left", "peer_id", ev.PeerID)
		case domain.EventTrackStreamReady:
			log.Infow("track stream ready", "peer_id", ev.PeerID, "kind", ev.TrackKind)
		case domain.EventTrackStreamRemoved:
			log.Infow("track stream removed", "peer_id", ev.PeerID, "kind", ev.TrackKind)
		case domain.EventDisconnectedPermanent:
			log.Errorw("session permanently disconnected", "error", ev.Err)
		}
	})

	state, err := svc.Init(peerID)
	if err != nil {
		log.Fatalw("failed to initialize session", "error", err)
	}
	log.Infow("session ready",
		"peer_id", state.ID,
		"display_name", state.DisplayName,
		"spawn", state.Position,
		"has_media", state.HasMedia,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infow("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		log.Errorw("session loop ended", "error", err)
	}
	if err := svc.Shutdown(); err != nil {
		log.Errorw("session shutdown failed", "error", err)
	}
	log.Info("session stopped")
}
