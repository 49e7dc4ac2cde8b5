package main

import (
	"context"
	"fmt"
	"net"

	"github.com/xelth-com/ecosyncgo/internal/cache"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/database"
	"github.com/xelth-com/ecosyncgo/internal/engine"
	"github.com/xelth-com/ecosyncgo/internal/keystore"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/media"
	"github.com/xelth-com/ecosyncgo/internal/network"
	"github.com/xelth-com/ecosyncgo/internal/queue"
	"github.com/xelth-com/ecosyncgo/internal/remote"
	"github.com/xelth-com/ecosyncgo/internal/security"
)

// app is the fully wired core shared by every subcommand
type app struct {
	db       *database.DB
	queue    *queue.Queue
	cache    *cache.Cache
	monitor  *network.Monitor
	sessions *remote.SessionManager
	client   *remote.Client
	engine   *engine.Engine
}

// masterKey provisions (or loads) the key every local store derives from
func masterKey(cfg config.KeystoreConfig) ([]byte, error) {
	secrets, err := keystore.NewSecretStore(cfg)
	if err != nil {
		return nil, err
	}
	key, err := keystore.NewProvisioner(secrets).GetOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("provision store key: %w", err)
	}
	return key, nil
}

func bootstrap(ctx context.Context, cfg *config.Config, syncCfg *config.SyncConfig) (*app, error) {
	log := logger.Component("bootstrap")

	key, err := masterKey(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	log.WithField("fingerprint", keystore.Fingerprint(key)).Debug("Store key ready")

	queueCipher, err := security.NewStoreCipher(key, security.StoreQueue)
	if err != nil {
		return nil, err
	}
	cacheCipher, err := security.NewStoreCipher(key, security.StoreCache)
	if err != nil {
		return nil, err
	}
	metaCipher, err := security.NewStoreCipher(key, security.StoreMetadata)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	store, err := queue.OpenStore(ctx, db, queueCipher, syncCfg.QueueResetOnKeyMismatch)
	if err != nil {
		db.Close()
		return nil, err
	}
	regional, err := cache.Open(ctx, db, cacheCipher, metaCipher, cache.Options{
		MaxEntries: syncCfg.Cache.MaxEntries,
		Expiry:     syncCfg.Cache.ExpiryDuration(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	monitor := network.NewMonitor(
		network.NewPollingWatcher(syncCfg.Reachability.PollIntervalDuration()),
		net.DefaultResolver,
		network.Options{
			Host:    syncCfg.Reachability.Host,
			Timeout: syncCfg.Reachability.TimeoutDuration(),
		},
	)

	httpClient := remote.NewHTTPClient(cfg.Remote.RequestTimeout)
	sessions, err := remote.NewSessionManager(cfg.Remote, httpClient)
	if err != nil {
		db.Close()
		return nil, err
	}
	client := remote.NewClient(cfg.Remote, sessions, httpClient)

	q := queue.New(store, client, sessions, media.NewFileStore(cfg.DataDir), monitor, queue.Options{
		MaxRetries:       syncCfg.MaxRetries,
		RefreshThreshold: syncCfg.RefreshThresholdDuration(),
	})

	return &app{
		db:       db,
		queue:    q,
		cache:    regional,
		monitor:  monitor,
		sessions: sessions,
		client:   client,
		engine:   engine.New(q, regional, monitor, client, syncCfg),
	}, nil
}

// close releases everything bootstrap opened; the engine must already be stopped
func (a *app) close() {
	a.queue.Close()
	a.monitor.Close()
	if err := a.db.Close(); err != nil {
		logger.Component("bootstrap").WithError(err).Warn("Database close failed")
	}
}
