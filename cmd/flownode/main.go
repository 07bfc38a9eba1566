// Command flownode runs one flow framework node: it resurrects
// checkpointed flows, opens the RPC lifecycle surface and the peer
// delivery surface, and serves until signaled to shut down gracefully
// (spec.md section 5).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ledgerflow/flow/authz"
	"github.com/ledgerflow/flow/checkpoint"
	"github.com/ledgerflow/flow/config"
	"github.com/ledgerflow/flow/directory"
	"github.com/ledgerflow/flow/flowrun"
	"github.com/ledgerflow/flow/manager"
	"github.com/ledgerflow/flow/ops"
	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/rpc"
	"github.com/ledgerflow/flow/transport"
)

func main() {
	if err := run(); err != nil {
		logrus.WithField("error", err).Fatal("flownode exited with error")
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	configureLogging(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := checkpoint.OpenSQLite(ctx, cfg.SQLite.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	store := checkpoint.NewSQLiteStore(ops.NewLocalPublisher(ops.Scope{}))

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.Etcd.Endpoints})
	if err != nil {
		return err
	}
	defer etcdClient.Close()

	dir, err := directory.NewEtcdDirectory(ctx, etcdClient, cfg.Etcd.DirectoryPrefix, ops.NewLocalPublisher(ops.Scope{}))
	if err != nil {
		return err
	}

	az := authz.NewAuthorizer([]byte(cfg.Auth.JWTSecret))
	registry := flowrun.NewRegistry()

	var mgr *manager.Manager
	transportImpl := transport.NewGRPCTransport(party.Party(cfg.Party), party.Endpoint(cfg.RPCAddr))
	runtime := flowrun.NewRuntime(db, store, party.Party(cfg.Party), transportImpl, dir,
		ops.NewLocalPublisher(ops.Scope{}), nil, cfg.Dedup.CacheSize,
		func(e flowrun.Event) { mgr.OnChange(e) })
	mgr = manager.New(registry, runtime, az, ops.NewLocalPublisher(ops.Scope{}))

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	grpcServer := rpc.NewServer(&rpc.Server{Manager: mgr})
	transport.RegisterPeerServer(grpcServer, &transport.PeerServer{Manager: mgr})

	lis, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logrus.WithField("error", err).Error("rpc server stopped")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.HealthAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err).Error("metrics server stopped")
		}
	}()

	ops.PublishLog(ops.NewLocalPublisher(ops.Scope{}), ops.LevelInfo, "flownode serving",
		"party", cfg.Party, "rpcAddr", cfg.RPCAddr)

	<-ctx.Done()
	ops.PublishLog(ops.NewLocalPublisher(ops.Scope{}), ops.LevelInfo, "flownode shutting down")

	// mgr.Shutdown must run before the peer transport is torn down: runs
	// not parked at a suspension point may still need to reach a peer
	// over transportImpl's gRPC connections to finish their last
	// checkpoint. Tearing down grpcServer first would strand those runs
	// waiting on a transport that can never reply.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	shutdownErr := mgr.Shutdown(shutdownCtx)

	grpcServer.GracefulStop()
	_ = metricsServer.Shutdown(context.Background())
	return shutdownErr
}

func configureLogging(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
