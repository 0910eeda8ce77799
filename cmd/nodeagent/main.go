package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/cluster"
	"github.com/tc-dynconf/configchange/internal/config"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	httpserver "github.com/tc-dynconf/configchange/internal/http"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/observability/logger"
	"github.com/tc-dynconf/configchange/internal/rate"
	"github.com/tc-dynconf/configchange/internal/security"
)

// rateLimiterAdapter bridges internal/rate's named Result type to the
// anonymous struct internal/http's RateLimiter interface expects.
type rateLimiterAdapter struct{ inner rate.Limiter }

func (a rateLimiterAdapter) Allow(ctx context.Context, key string) (struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	WindowTTL   time.Duration
	CurrentHits int64
}, error) {
	res, err := a.inner.Allow(ctx, key)
	if err != nil {
		return struct {
			Allowed     bool
			Remaining   int64
			RetryAfter  time.Duration
			WindowTTL   time.Duration
			CurrentHits int64
		}{}, err
	}
	return struct {
		Allowed     bool
		Remaining   int64
		RetryAfter  time.Duration
		WindowTTL   time.Duration
		CurrentHits int64
	}{
		Allowed: res.Allowed, Remaining: res.Remaining,
		RetryAfter: res.RetryAfter, WindowTTL: res.WindowTTL, CurrentHits: res.CurrentHits,
	}, nil
}

func main() {
	var (
		flagConfigPath = flag.String("config", "", "path to config.yaml (fallback: $CONFIG_PATH or configs/config.yaml)")
		flagEnvOnly    = flag.Bool("env", false, "use env vars only (and .env, if -env-file exists)")
		flagEnvFile    = flag.String("env-file", ".env", "path to a .env file to load, if present")
		flagPrint      = flag.Bool("print-config", false, "print the effective config and exit")
	)
	flag.Parse()

	if *flagEnvFile != "" {
		if err := godotenv.Load(*flagEnvFile); err == nil {
			log.Printf("dotenv: loaded %s", *flagEnvFile)
		}
	}

	var cfg *config.Config
	var err error
	if *flagEnvOnly {
		cfg = config.LoadEnvOnly()
	} else {
		path := *flagConfigPath
		if path == "" {
			path = envOr("CONFIG_PATH", "configs/config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if *flagPrint {
		log.Printf("CONFIG:\n%+v\n", cfg)
		return
	}

	logger.Init(logger.Config{Env: envOr("APP_ENV", "dev"), Level: cfg.Log.Level, ServiceName: "nodeagent"})
	defer logger.Sync()
	zl := logger.L().With(zap.String("node_id", cfg.Node.ID))

	var store changelog.Store
	switch cfg.Store.Driver {
	case "bolt", "":
		store, err = changelog.OpenBolt(cfg.Store.Path)
	case "file":
		store, err = changelog.Open(cfg.Store.Path)
	default:
		log.Fatalf("store: unknown driver %q", cfg.Store.Driver)
	}
	if err != nil {
		log.Fatalf("store open: %v", err)
	}

	machine, err := nodestate.Open(cfg.Node.ID, cfg.Node.ClusterName, store, evaluator.New(), cfg.Store.StatePath, cfg.Node.ListenAddr)
	if err != nil {
		log.Fatalf("nodestate open: %v", err)
	}

	if cfg.Replication.Mode != "off" {
		raftNode, err := cluster.NewNode(cluster.NodeOptions{
			NodeID:             cfg.Node.ID,
			RaftAddr:           cfg.Replication.RaftAddr,
			RaftDir:            cfg.Replication.RaftDir,
			FSM:                cluster.NewFSM(store),
			Peers:              cfg.Replication.Peers,
			BootstrapPreferred: cfg.Replication.BootstrapLead,
			DisableBootstrap:   cfg.Replication.JoinOnly,
			RaftTLSEnable:      cfg.Replication.TLSEnable,
			RaftTLSCertFile:    cfg.Replication.TLSCertFile,
			RaftTLSKeyFile:     cfg.Replication.TLSKeyFile,
			RaftTLSCAFile:      cfg.Replication.TLSCAFile,
			RaftTLSServerName:  cfg.Replication.TLSServerName,
		})
		if err != nil {
			log.Fatalf("raft node: %v", err)
		}
		defer raftNode.Close()
		machine.SetReplicator(&cluster.NodeReplicator{Node: raftNode})
		zl.Info("stripe replication enabled", zap.String("mode", cfg.Replication.Mode), zap.Int("known_peers", raftNode.KnownPeers()))
	}

	verifier := security.NewVerifier([]byte(cfg.Security.BearerSecret))

	auditLogger, err := audit.Open(audit.Sink(cfg.Audit.Sink), cfg.Audit.Path, zl)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	defer auditLogger.Close()

	mux := httpserver.NewMux(machine, verifier, auditLogger)

	metricsHandler, err := httpserver.RegisterMetrics(httpserver.MetricsConfig{})
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	mux.Handle("/metrics", metricsHandler)

	var limiter httpserver.RateLimiter
	if cfg.Rate.Enabled {
		window, err := time.ParseDuration(cfg.Rate.Window)
		if err != nil {
			log.Fatalf("rate.window: %v", err)
		}
		rdbClient := rdb.NewClient(&rdb.Options{Addr: cfg.Rate.RedisAddr, DB: cfg.Rate.RedisDB})
		limiter = rateLimiterAdapter{inner: rate.NewRedisLimiter(rdbClient, cfg.Rate.Prefix, cfg.Rate.MaxRequests, window)}
	}

	handler := httpserver.WithLogging(
		httpserver.WithRecover(
			httpserver.WithRequestID(
				httpserver.WithMetrics(
					httpserver.WithRateLimit(
						httpserver.WithSecurityHeaders(
							httpserver.WithCORS(mux, cfg.Server.CORSAllowedOrigins),
						),
						limiter,
					),
				),
			),
		),
	)

	zl.Info("nodeagent up", zap.String("addr", cfg.Node.ListenAddr), zap.String("cluster", cfg.Node.ClusterName))
	if err := httpserver.Start(cfg.Node.ListenAddr, handler); err != nil {
		log.Fatalf("http: %v", err)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
