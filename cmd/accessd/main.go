// Command accessd runs the access-security policy engine as a
// standalone daemon: it loads a policy file, serves the admin HTTP and
// gRPC surfaces, and fans write audits out to NATS/Dgraph, following
// the teacher's cmd/kernel/main.go shape (zap logger, env-driven
// config, gorilla/mux HTTP server, signal-driven graceful shutdown).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/epics-asg/accessd/internal/asconfig"
	"github.com/epics-asg/accessd/internal/ascache"
	"github.com/epics-asg/accessd/internal/asloader"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asregistry"
	"github.com/epics-asg/accessd/internal/asserver"
	"github.com/epics-asg/accessd/internal/audit"
)

func main() {
	cfg := asconfig.DefaultConfig()

	var logger *zap.Logger
	var err error
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting accessd", zap.String("policy_file", cfg.Policy.SourcePath))

	reg := asregistry.New(logger)
	loader := asloader.New(reg, logger)

	opts := asparser.Options{UseClientIP: cfg.Policy.UseClientIP}
	policyText, err := os.ReadFile(cfg.Policy.SourcePath)
	if err != nil {
		logger.Fatal("failed to read policy file", zap.Error(err))
	}
	if err := loader.Load(string(policyText), opts); err != nil {
		logger.Fatal("failed to load initial policy", zap.Error(err))
	}

	mux := audit.New()
	sink, natsConn, dgraphConn := buildAuditSink(cfg, logger)
	if sink != nil {
		mux.Register(sink.Listener("*", true))
		defer sink.Close()
	}
	if natsConn != nil {
		defer natsConn.Close()
	}
	if dgraphConn != nil {
		defer dgraphConn.Close()
	}

	cache, err := buildCache(cfg, logger)
	if err != nil {
		logger.Warn("decision cache unavailable, continuing without it", zap.Error(err))
	}
	if cache != nil {
		defer cache.Close()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      asserver.New(reg, loader, opts, cfg.Server.JWTSecret, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("admin HTTP server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin HTTP server failed", zap.Error(err))
		}
	}()

	grpcServer := asserver.NewGRPCServer(reg, loader, opts, logger)
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to bind gRPC listener", zap.Error(err))
	}
	go func() {
		logger.Info("admin gRPC server starting", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("admin gRPC server stopped", zap.Error(err))
		}
	}()

	if cfg.Policy.ReloadInterval > 0 {
		go pollReload(cfg, loader, opts, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	grpcServer.GracefulStop()
	logger.Info("shutdown complete")
}

// buildAuditSink wires an audit.Sink to NATS/Dgraph when reachable,
// tolerating either backend being unconfigured or unreachable --
// persistence is best-effort, never a startup requirement.
func buildAuditSink(cfg asconfig.Config, logger *zap.Logger) (*audit.Sink, *nats.Conn, *grpc.ClientConn) {
	var natsConn *nats.Conn
	if cfg.Audit.NATSURL != "" {
		conn, err := nats.Connect(cfg.Audit.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, audit events will not be published", zap.Error(err))
		} else {
			natsConn = conn
		}
	}

	var dg *dgo.Dgraph
	var grpcConn *grpc.ClientConn
	if cfg.Audit.DgraphAddress != "" {
		conn, err := grpc.NewClient(cfg.Audit.DgraphAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Warn("dgraph unavailable, audit events will not be persisted", zap.Error(err))
		} else {
			grpcConn = conn
			dg = dgo.NewDgraphClient(api.NewDgraphClient(conn))
		}
	}

	sink := audit.NewSink(dg, natsConn, logger)
	return sink, natsConn, grpcConn
}

func buildCache(cfg asconfig.Config, logger *zap.Logger) (*ascache.Cache, error) {
	var redisClient *redis.Client
	if cfg.Cache.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddress})
	}
	return ascache.New(cfg.Cache.L1MaxCost, cfg.Cache.TTL, redisClient, logger)
}

func pollReload(cfg asconfig.Config, loader *asloader.Loader, opts asparser.Options, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Policy.ReloadInterval)
	defer ticker.Stop()

	var lastMod time.Time
	for range ticker.C {
		info, err := os.Stat(cfg.Policy.SourcePath)
		if err != nil {
			logger.Warn("policy file stat failed", zap.Error(err))
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()

		text, err := os.ReadFile(cfg.Policy.SourcePath)
		if err != nil {
			logger.Warn("policy file read failed", zap.Error(err))
			continue
		}
		if err := loader.Load(string(text), opts); err != nil {
			logger.Warn("auto-reload rejected", zap.Error(err))
		}
	}
}
