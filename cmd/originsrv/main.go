package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voxelcraft.ai/blockorigin/internal/config"
	"voxelcraft.ai/blockorigin/internal/hooks"
	persistlog "voxelcraft.ai/blockorigin/internal/persistence/log"
	"voxelcraft.ai/blockorigin/internal/placement"
	"voxelcraft.ai/blockorigin/internal/resolver"
	"voxelcraft.ai/blockorigin/internal/transport/ws"
	"voxelcraft.ai/blockorigin/internal/verdictcache"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/blockorigin.yaml", "path to blockorigin.yaml (empty for built-in defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides http.listen)")
		auditDir   = flag.String("audit_dir", "", "audit log directory (overrides audit.dir)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[originsrv] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.HTTP.Listen = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*auditDir) != "" {
		cfg.Audit.Dir = strings.TrimSpace(*auditDir)
	}
	cfg.Oracle.Backend = envString("BO_ORACLE_BACKEND", cfg.Oracle.Backend)
	cfg.Oracle.RemoteURL = envString("BO_ORACLE_URL", cfg.Oracle.RemoteURL)
	cfg.Oracle.Timeout = time.Duration(envInt("BO_ORACLE_TIMEOUT_MS", int(cfg.Oracle.Timeout/time.Millisecond))) * time.Millisecond
	cfg.Audit.ItemPickups = envBool("BO_ITEM_PICKUPS", cfg.Audit.ItemPickups)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	backend, err := openOracleBackend(ctx, cfg.Oracle, logger)
	if err != nil {
		logger.Fatalf("open oracle backend: %v", err)
	}
	defer backend.close()

	auditLog := persistlog.NewAuditLogger(cfg.Audit.Dir)
	defer auditLog.Close()

	trackerOpts := cfg.TrackerOptions()
	trackerOpts.Logger = logger
	cacheOpts := cfg.CacheOptions()
	cacheOpts.Logger = logger
	resOpts := resolver.Options{
		Tracker:       placement.New(trackerOpts),
		Cache:         verdictcache.New(cacheOpts),
		Oracle:        backend.oracle,
		Lookback:      cfg.Oracle.Lookback,
		Timeout:       cfg.Oracle.Timeout,
		MinAPIVersion: cfg.Oracle.MinAPIVersion,
		Logger:        logger,
	}
	if envBool("BO_TRACE_LOG", false) {
		tp := newTracerProvider(logger)
		defer tp.Shutdown(context.Background())
		resOpts.TracerProvider = tp
	}
	res := resolver.New(resOpts)

	// The local oracle does not see placements on its own.
	var history hooks.AuditSink
	if backend.local != nil {
		history = backend.local
	}
	a := &app{
		cfg: cfg,
		res: res,
		listener: hooks.NewListener(hooks.Options{
			Resolver:    res,
			AuditLog:    auditLog,
			History:     history,
			ItemPickups: cfg.Audit.ItemPickups,
			Logger:      logger,
		}),
		local:       backend.local,
		log:         logger,
		enableAdmin: envBool("BO_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
	}
	if backend.local != nil && envBool("BO_SERVE_ORACLE", true) {
		a.oracle = ws.NewServer(backend.local, ws.Options{
			MaxInflight:   envInt("BO_ORACLE_MAX_INFLIGHT", 32),
			LookupTimeout: cfg.Oracle.Timeout,
			PongWait:      time.Duration(envInt("BO_ORACLE_PONG_WAIT_MS", 60000)) * time.Millisecond,
			Logger:        logger,
		})
		defer a.oracle.Close()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if a.oracle != nil {
			a.oracle.Close()
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (oracle backend=%s available=%v)", cfg.HTTP.Listen, cfg.Oracle.Backend, res.OracleAvailable())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
