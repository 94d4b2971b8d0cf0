package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telaris/telaris/internal/config"
	"github.com/telaris/telaris/internal/event"
	"github.com/telaris/telaris/internal/metrics"
	"github.com/telaris/telaris/internal/ops"
	"github.com/telaris/telaris/internal/registry"
	"github.com/telaris/telaris/internal/router"
	"github.com/telaris/telaris/internal/sdp"
	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/sipfront"
	"github.com/telaris/telaris/internal/trunk"
	"github.com/telaris/telaris/internal/voicemail"
)

// mediaPort is the RTP port advertised in SDP answers. Media relay runs
// out of process; this engine only negotiates.
const mediaPort = 10000

// engine owns every long-lived component. Construction order matters:
// the trunk prober needs the SIP client, the session manager needs the
// SIP wire, and the SIP server needs the session manager before Start.
type engine struct {
	cfg       *config.Config
	fanout    *event.Fanout
	cdrs      *event.CDRWriter
	directory *registry.Registry
	trunks    *trunk.Manager
	voicemail *voicemail.Store
	sessions  *session.Manager
	sip       *sipfront.Server
	trunkReg  *sipfront.TrunkRegistrar
	ops       *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	dialplan, err := config.LoadDialplan(cfg.Dialplan)
	if err != nil {
		slog.Error("failed to load dialplan", "error", err)
		os.Exit(1)
	}

	slog.Info("starting telaris",
		"sip_port", cfg.SIPPort,
		"ops_port", cfg.OpsPort,
		"extensions", len(dialplan.Extensions),
		"trunks", len(dialplan.Trunks),
	)

	eng, err := buildEngine(cfg, dialplan, logger)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	eng.fanout.Start()

	if err := eng.sip.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	go eng.trunks.Run(appCtx)
	go eng.trunkReg.Run(appCtx, eng.trunks.Trunks())
	go eng.voicemail.RunSweeper(appCtx, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", eng.ops.Addr)
		if err := eng.ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("ops server error", "error", err)
	}

	eng.shutdown(appCancel)
	slog.Info("telaris stopped")
}

func buildEngine(cfg *config.Config, dialplan *config.Dialplan, logger *slog.Logger) (*engine, error) {
	cdrs, err := event.NewCDRWriter(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening cdr database: %w", err)
	}

	fanout := event.NewFanout(
		[]event.Sink{event.NewLogSink(logger), cdrs},
		cfg.EventQueueSize, cfg.EventWorkerCount, logger,
	)

	directory := registry.New(fanout, logger)
	for _, ext := range dialplan.Extensions {
		directory.UpsertExtension(registry.Extension{
			Number:           ext.Number,
			DisplayName:      ext.DisplayName,
			SIPPassword:      ext.Password,
			AllowExternal:    ext.AllowExternal,
			DNDEnabled:       ext.DND,
			ForwardEnabled:   ext.ForwardTo != "",
			ForwardDest:      ext.ForwardTo,
			VoicemailEnabled: ext.Voicemail,
			MaxRegistrations: ext.MaxRegistrations,
		})
	}

	sip, err := sipfront.NewServer(sipfront.Options{
		SIPPort:    cfg.SIPPort,
		SIPTLSPort: cfg.SIPTLSPort,
		TLSCert:    cfg.TLSCert,
		TLSKey:     cfg.TLSKey,
		ExternalIP: cfg.AdvertisedIP(),
	}, directory, logger)
	if err != nil {
		cdrs.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	prober := sipfront.NewOptionsProber(sip.Client(), logger)
	trunks, err := trunk.NewManager(trunkConfigs(dialplan), prober, nil, trunk.Options{
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryThreshold: cfg.RecoveryThreshold,
		ProbeInterval:     cfg.ProbeInterval,
		ProbeTimeout:      cfg.ProbeTimeout,
		DNSTimeout:        cfg.DNSTimeout,
	}, fanout, logger)
	if err != nil {
		sip.Stop()
		cdrs.Close()
		return nil, fmt.Errorf("creating trunk manager: %w", err)
	}
	sip.SetTrunks(trunks)

	caps, err := sdp.NewCapabilities(cfg.CodecPreference, cfg.DTMFCandidates)
	if err != nil {
		sip.Stop()
		cdrs.Close()
		return nil, fmt.Errorf("building codec capabilities: %w", err)
	}

	vm := voicemail.NewStore(0, 0, fanout, logger)

	routes := router.New(directory, router.Config{
		RingTimeout:     cfg.RingTimeout,
		ForwardHopLimit: cfg.ForwardHopLimit,
		AccessPrefixes:  cfg.VoicemailAccessPrefixes,
		ExternalClass:   "external",
	}, logger)

	sessions := session.NewManager(session.Deps{
		Transport:       sip.Wire(),
		Router:          routes,
		Trunks:          trunks,
		Caps:            caps,
		Profile:         sdp.Profile{Preference: cfg.CodecPreference},
		Voicemail:       vm,
		Sink:            fanout,
		Logger:          logger,
		RingTimeout:     cfg.RingTimeout,
		MaxCallDuration: cfg.MaxCallDuration,
		MediaIP:         cfg.AdvertisedIP(),
		MediaPort:       mediaPort,
	}, 0)
	sip.SetSessions(sessions)

	start := time.Now()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(
		sessions, directory, trunks, cdrs, fanout, vm, start,
	))

	opsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:      ops.NewServer(sessions, directory, trunks, vm, promReg, start, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &engine{
		cfg:       cfg,
		fanout:    fanout,
		cdrs:      cdrs,
		directory: directory,
		trunks:    trunks,
		voicemail: vm,
		sessions:  sessions,
		sip:       sip,
		trunkReg:  sipfront.NewTrunkRegistrar(sip.Client(), logger),
		ops:       opsSrv,
	}, nil
}

// shutdown tears the engine down in dependency order: background loops
// stop first, live calls hang up while the SIP client can still send
// BYEs, then listeners close and the event queue drains into the CDR
// database.
func (e *engine) shutdown(appCancel context.CancelFunc) {
	slog.Info("shutting down")
	appCancel()

	e.sessions.Shutdown(10 * time.Second)
	e.sip.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.ops.Shutdown(ctx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}

	e.fanout.Stop()
	if err := e.cdrs.Close(); err != nil {
		slog.Error("closing cdr database", "error", err)
	}
}

func trunkConfigs(dialplan *config.Dialplan) []trunk.Config {
	out := make([]trunk.Config, 0, len(dialplan.Trunks))
	for _, t := range dialplan.Trunks {
		classes := t.Classes
		if len(classes) == 0 {
			classes = []string{"external"}
		}
		out = append(out, trunk.Config{
			Name:           t.Name,
			Priority:       t.Priority,
			Transport:      t.Transport,
			Host:           t.Host,
			Port:           t.Port,
			SRVDomain:      t.SRVDomain,
			SRVReresolve:   time.Duration(t.SRVReresolve),
			RoutingClasses: classes,
			Username:       t.Username,
			Password:       t.Password,
		})
	}
	return out
}
