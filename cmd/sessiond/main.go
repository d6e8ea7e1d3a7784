// sessiond is the Session Manager daemon: it owns the switch- and
// inside-facing UDP conduits, the event-bus endpoint, the periodic
// housekeeper, the Prometheus metrics endpoint, and the read-only admin
// HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/overlaymesh/sessiond/internal/adminapi"
	"github.com/overlaymesh/sessiond/internal/config"
	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/pathfinder"
	"github.com/overlaymesh/sessiond/internal/session"
)

// shutdownTimeout bounds how long HTTP servers are given to drain active
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	switchPeer := flag.String("switch-peer", "127.0.0.1:31315", "UDP address of the switch-facing routing fabric process")
	insidePeer := flag.String("inside-peer", "127.0.0.1:31316", "UDP address of the inside-facing application process")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("sessiond starting",
		slog.String("switch_addr", cfg.Switch.Addr),
		slog.String("inside_addr", cfg.Inside.Addr),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	identity, err := cryptoauth.GenerateKeyPair()
	if err != nil {
		logger.Error("generate node identity", slog.String("error", err.Error()))
		return 1
	}

	switchConn, err := listenUDP(cfg.Switch.Addr)
	if err != nil {
		logger.Error("listen switch socket", slog.String("error", err.Error()))
		return 1
	}
	defer switchConn.Close()

	insideConn, err := listenUDP(cfg.Inside.Addr)
	if err != nil {
		logger.Error("listen inside socket", slog.String("error", err.Error()))
		return 1
	}
	defer insideConn.Close()

	switchSender, err := newUDPSender(switchConn, *switchPeer)
	if err != nil {
		logger.Error("resolve switch peer", slog.String("error", err.Error()))
		return 1
	}
	insideSender, err := newUDPSender(insideConn, *insidePeer)
	if err != nil {
		logger.Error("resolve inside peer", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)

	// No standalone pathfinder process is wired up by default: the event
	// bus is realized as an in-process FakeBus, which is enough to drive
	// the session manager's own SESSION/SESSION_ENDED/SEARCH_REQ traffic
	// even with nothing subscribed to consume it yet.
	bus := pathfinder.NewFakeBus()
	client := pathfinder.NewClient(bus)

	mgr, err := session.NewManager(identity, cfg.Session.AsSessionConfig(), switchSender, insideSender, client, logger, session.WithMetrics(metrics))
	if err != nil {
		logger.Error("create session manager", slog.String("error", err.Error()))
		return 1
	}
	unsubscribe := pathfinder.Attach(bus, mgr.HandleSessionsRequest, mgr.HandleNodeEvent)
	defer unsubscribe()

	if err := runServers(cfg, mgr, switchConn, insideConn, reg, logger); err != nil {
		logger.Error("sessiond exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("sessiond stopped")
	return 0
}

// runServers runs the switch/inside receive loops, the housekeeper, and the
// admin/metrics HTTP servers as a supervised errgroup under a signal-aware
// context, mirroring the teacher pack's errgroup + signal.NotifyContext
// shutdown pattern.
func runServers(cfg *config.Config, mgr *session.Manager, switchConn, insideConn *net.UDPConn, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runReceiveLoop(gCtx, switchConn, logger, mgr.HandleSwitch, "switch")
	})
	g.Go(func() error {
		return runReceiveLoop(gCtx, insideConn, logger, mgr.HandleInside, "inside")
	})
	g.Go(func() error {
		mgr.RunHousekeeper(gCtx)
		return nil
	})

	adminSrv := newAdminServer(cfg.Admin, mgr, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error {
		logger.Info("admin api listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(gCtx, adminSrv)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}

func newAdminServer(cfg config.AdminConfig, mgr *session.Manager, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           adminapi.NewRouter(mgr, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %q: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
