package main

import (
	"context"
	"fmt"
	"time"

	"vmenergy/internal/attribution"
	"vmenergy/internal/config"
	"vmenergy/internal/consumption"
	"vmenergy/internal/device"
	"vmenergy/internal/fsutil"
	"vmenergy/internal/hypervisor"
	"vmenergy/internal/lease"
	"vmenergy/internal/logging"
	"vmenergy/internal/metrics"
	"vmenergy/internal/publish"
	"vmenergy/internal/retry"
	"vmenergy/internal/secrets"
	"vmenergy/internal/tsdb"
	"vmenergy/internal/tsdb/influx"
	"vmenergy/internal/tsdb/jsonl"
	"vmenergy/internal/tsdb/sqlite"
	"vmenergy/internal/window"
)

// runtimeEnv holds the loaded configuration and lazily opened resources
// shared by the subcommands.
type runtimeEnv struct {
	cfg      config.Config
	logger   *logging.Logger
	stateDir string

	secrets *secrets.Store
	store   tsdb.Store
	closers []func() error
}

func resolveStateDir(cfg config.Config) string {
	return fsutil.GetStateDir(cfg.StateDir)
}

// mustSetup loads configuration and builds the configured logger. Any failure
// exits the process.
func mustSetup() *runtimeEnv {
	bootstrap := logging.NewLogger(logging.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		fail(bootstrap, "config.load.error", "Failed to load configuration", err)
	}
	logger, err := logging.FromConfig(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		fail(bootstrap, "logging.setup.error", "Failed to set up logging", err)
	}

	env := &runtimeEnv{cfg: cfg, logger: logger, stateDir: resolveStateDir(cfg)}
	env.closers = append(env.closers, logger.Close)
	return env
}

// close releases resources in reverse order of acquisition.
func (e *runtimeEnv) close() {
	closers := e.closers
	e.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			e.logger.Warn("app.close.failed", "Failed to release resource", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// fail reports err, releases everything opened so far and exits.
func (e *runtimeEnv) fail(eventType, message string, err error) {
	report(e.logger, eventType, message, err)
	e.close()
	exit(1)
}

// holdLease takes the agent lease for this state directory. It is released
// by close, including on the failure path.
func (e *runtimeEnv) holdLease() *lease.Handle {
	held, err := lease.NewManager(e.stateDir, nil, e.logger).Acquire(lease.DefaultHolder(), e.cfg.ServerIP)
	if err != nil {
		e.fail("agent.lease.error", "Another agent is sampling this server", err)
		return nil
	}
	e.closers = append(e.closers, held.Release)
	return held
}

// secret resolves a credential: the override from the environment wins,
// otherwise name is read from the encrypted store.
func (e *runtimeEnv) secret(name, override string) string {
	if override != "" || name == "" {
		return override
	}
	if e.secrets == nil {
		store, err := secrets.NewStore(secrets.DefaultStoreConfig(e.stateDir), e.logger)
		if err != nil {
			e.fail("secrets.store.error", "Failed to open secret store", err)
		}
		e.secrets = store
	}
	value, err := e.secrets.Resolve(name, override)
	if err != nil {
		e.fail("secrets.resolve.error", fmt.Sprintf("Failed to resolve secret %q", name), err)
	}
	return value
}

func (e *runtimeEnv) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: e.cfg.Retry.Attempts,
		Delay:    e.cfg.Retry.Delay(),
		MaxDelay: e.cfg.Retry.MaxDelay(),
		Logger:   e.logger,
	}
}

// storage opens the configured backend once.
func (e *runtimeEnv) storage() tsdb.Store {
	if e.store != nil {
		return e.store
	}

	sc := e.cfg.Storage
	var (
		store tsdb.Store
		err   error
	)
	switch sc.Backend {
	case config.BackendInflux:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err = influx.Open(ctx, sc.URL, e.secret(sc.TokenSecret, sc.Token), sc.Org, e.logger)
	case config.BackendSQLite:
		store, err = sqlite.Open(sc.Path, e.logger)
	case config.BackendJSONL:
		store, err = jsonl.New(sc.Path, e.logger)
	default:
		err = fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	if err != nil {
		e.fail("tsdb.open.error", "Failed to open storage", err)
	}

	e.logger.Info("tsdb.opened", "Storage opened", map[string]interface{}{
		"backend": sc.Backend,
	})
	e.store = store
	e.closers = append(e.closers, store.Close)
	return store
}

// clients binds the power and CPU schemas to storage. Written points fan out
// to Kafka when withPublish is set and publishing is enabled.
func (e *runtimeEnv) clients(rec *metrics.Recorder, withPublish bool) (powerClient, cpuClient *tsdb.Client) {
	opts := []tsdb.ClientOption{tsdb.WithRetry(e.retryPolicy())}
	if rec != nil {
		opts = append(opts, tsdb.WithWriteRecorder(rec))
	}
	if withPublish && e.cfg.Publish.Enabled {
		pub := publish.NewKafkaPublisher(e.cfg.Publish.Brokers, e.cfg.Publish.Topic, e.logger)
		e.closers = append(e.closers, pub.Close)
		opts = append(opts, tsdb.WithObserver(pub))
	}

	store := e.storage()
	powerClient = tsdb.NewClient(store, tsdb.PowerSchema{BucketName: e.cfg.Storage.PowerBucket}, e.logger, opts...)
	cpuClient = tsdb.NewClient(store, tsdb.CPUSchema{BucketName: e.cfg.Storage.CPUBucket}, e.logger, opts...)
	return powerClient, cpuClient
}

// queryEngine builds the cached consumption service and the attribution
// engine over it. The caller closes the service.
func (e *runtimeEnv) queryEngine(rec *metrics.Recorder) (*consumption.Service, *attribution.Engine) {
	powerClient, cpuClient := e.clients(nil, false)
	var cacheRec consumption.CacheRecorder
	if rec != nil {
		cacheRec = rec
	}
	svc := consumption.NewService(powerClient, cpuClient, e.cfg.API.CacheTTL(), e.logger, cacheRec)
	return svc, attribution.NewEngine(svc, e.logger)
}

func (e *runtimeEnv) normalizer() (*window.Normalizer, error) {
	return window.NewNormalizer(e.cfg.Schedule.Align)
}

func (e *runtimeEnv) deviceOptions() device.Options {
	dc := e.cfg.Device
	return device.Options{
		Kind:       dc.Kind,
		Address:    dc.Address,
		PowerPath:  dc.PowerPath,
		PowerField: dc.PowerField,
		Username:   dc.Username,
		Password:   e.secret(dc.PasswordSecret, dc.Password),
		Timeout:    dc.Timeout(),
		RAPLPath:   dc.RAPLPath,
		GPUIndex:   dc.GPUIndex,
	}
}

func (e *runtimeEnv) hypervisor() *hypervisor.Virsh {
	return hypervisor.NewVirsh(e.cfg.Hypervisor.Binary, e.cfg.Hypervisor.Connect, hypervisor.ExecRunner{}, e.retryPolicy(), e.logger)
}
