// Package gatewayserver wires configuration, logging, the Fabric connection
// pool, the transaction queue, lifecycle orchestration and the HTTP surface
// into one runnable gateway.
package gatewayserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ibn-ledger/gateway/internal/api"
	"ibn-ledger/gateway/internal/auth"
	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/internal/fabric"
	"ibn-ledger/gateway/internal/lifecycle"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/internal/platform/breaker"
	"ibn-ledger/gateway/internal/platform/redact"
	"ibn-ledger/gateway/internal/proxy"
	"ibn-ledger/gateway/internal/queue"
	"ibn-ledger/gateway/pkg/models"
)

type Runtime struct {
	server *api.Server
	pool   *fabric.Pool
	queue  *queue.Queue
	log    *slog.Logger
}

// BuildRuntime loads config and assembles the gateway. addrOverride, when
// non-empty, wins over the configured listen address.
func BuildRuntime(configPath, addrOverride string) (*Runtime, error) {
	cfg := config.LoadFromPath(configPath)
	if addrOverride != "" {
		cfg.ListenAddr = addrOverride
	}

	logger := slog.New(redact.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	m := metrics.New("gateway")
	registry := breaker.NewRegistry(cfg.Breaker.Threshold, cfg.Breaker.Cooldown.Std())

	connector, err := buildConnector(cfg.Fabric, logger)
	if err != nil {
		return nil, err
	}
	pool := fabric.NewPool(cfg.Pool, connector, logger, m)
	exec := queue.NewFabricExecutor(pool, registry.Get("fabric"), logger)
	q := queue.New(cfg.Queue, exec, logger, m)
	q.SetObserver(func(event string, task models.TaskSummary) {
		logger.Debug("transaction queue event",
			"event", event,
			"task_id", task.ID,
			"priority", task.Priority,
			"attempts", task.Attempts,
		)
	})

	peerCLI := lifecycle.NewCLIExecutor(cfg.Lifecycle.PeerBinary, cfg.Lifecycle.LogLimitKB, logger)
	orch := lifecycle.NewOrchestrator(cfg.Lifecycle, cfg.Fabric, peerCLI, lifecycle.NewStore(), logger, m)

	authn := auth.New(cfg.Principals)
	backendProxy, err := proxy.New(cfg.BackendURL, proxy.DefaultPolicies(), authn, registry.Get("backend"), logger, m)
	if err != nil {
		return nil, fmt.Errorf("build backend proxy: %w", err)
	}

	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Queue:    q,
		Pool:     pool,
		Orch:     orch,
		Breakers: registry,
		Auth:     authn,
		Metrics:  m,
		Log:      logger,
		Fallback: backendProxy,
	})

	logger.Info("gateway assembled",
		"listen", cfg.ListenAddr,
		"backend", cfg.BackendURL,
		"msp_id", cfg.Fabric.MSPID,
		"max_connections", cfg.Pool.MaxConnections,
		"max_concurrent", cfg.Queue.MaxConcurrent,
	)
	return &Runtime{server: server, pool: pool, queue: q, log: logger}, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	go rt.pool.Run(ctx)
	go rt.queue.Run(ctx)
	defer rt.pool.Close()
	return rt.server.Run(ctx)
}

// buildConnector resolves peer endpoints, TLS roots, the gateway signing
// identity and the per-caller identity source. The connection profile fills
// whatever the flat config leaves out.
func buildConnector(fc config.Fabric, log *slog.Logger) (fabric.Connector, error) {
	endpoints := fc.PeerEndpoints
	var tlsPEM []byte

	if path, ok := config.ResolveConnectionProfile(fc.ConnectionProfile); ok {
		profile, err := fabric.LoadProfile(path)
		if err != nil {
			return nil, fmt.Errorf("load connection profile: %w", err)
		}
		if len(endpoints) == 0 {
			endpoints = profile.PeerEndpoints()
		}
		if tlsPEM = profile.TLSRootPEM(); tlsPEM != nil {
			log.Info("using TLS roots from connection profile", "profile", path)
		}
	}
	if fc.TLSCertFile != "" {
		pem, err := os.ReadFile(fc.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("read TLS root certificate: %w", err)
		}
		tlsPEM = pem
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no peer endpoints configured")
	}

	var identities fabric.IdentityProvider
	if fc.WalletDir != "" || fc.CAServiceURL != "" {
		wallet := fabric.NewWallet(fc.WalletDir, fc.WalletPassphrase)
		identities = fabric.NewResolver(wallet, fc.CAServiceURL, log)
	}

	creds, err := resolveGatewayIdentity(fc, identities)
	if err != nil {
		return nil, err
	}
	return fabric.NewGatewayConnector(endpoints, tlsPEM, creds, identities), nil
}

func resolveGatewayIdentity(fc config.Fabric, identities fabric.IdentityProvider) (fabric.Credentials, error) {
	if fc.MSPConfigPath != "" {
		creds, err := fabric.LoadMSPCredentials(fc.MSPConfigPath, fc.MSPID)
		if err != nil {
			return fabric.Credentials{}, fmt.Errorf("load MSP identity: %w", err)
		}
		return creds, nil
	}
	if identities == nil {
		return fabric.Credentials{}, fmt.Errorf("no MSP path, wallet or CA service configured for the gateway identity")
	}
	creds, err := identities.Resolve(context.Background(), "admin")
	if err != nil {
		return fabric.Credentials{}, fmt.Errorf("resolve gateway identity: %w", err)
	}
	return creds, nil
}
