package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"keysign/config"
	"keysign/discovery"
	"keysign/keyring"
	"keysign/logging"
	"keysign/metrics"
	"keysign/models"
	"keysign/network"
	"keysign/session"
	"keysign/signing"
	"keysign/storage"
)

// globalFlags override config values for one run.
type globalFlags struct {
	dataDir     string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// app holds the collaborators every command shares.
type app struct {
	cfg     *config.DeviceConfig
	dataDir string
	dbPath  string
	logger  *zap.Logger
	store   *storage.Store
	keyring *keyring.OpenPGPKeyring
	dir     *keyring.Directory
	metrics *metrics.Metrics
}

func openApp(flags globalFlags) (*app, error) {
	if flags.dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, flags.dataDir); err != nil {
			return nil, err
		}
	}

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddress = flags.metricsAddr
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(cfg.SecurityEventRetention())

	a := &app{
		cfg:     cfg,
		dataDir: dataDir,
		dbPath:  dbPath,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
	}

	kr, err := keyring.Open(cfg.KeyringDir, keyring.Options{
		IsDisabled: a.isDisabled,
		Logger:     logger.Named("keyring"),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	a.keyring = kr
	a.dir = keyring.NewDirectory(kr)

	logger.Debug("started",
		zap.String("device_id", cfg.DeviceID),
		zap.String("data_dir", dataDir),
		zap.String("database", dbPath),
	)
	return a, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	_ = a.logger.Sync()
	return err
}

func (a *app) isDisabled(fpr string) bool {
	disabled, err := a.store.IsKeyDisabled(fpr)
	if err != nil {
		a.logger.Warn("disabled key lookup failed", zap.String("fingerprint", fpr), zap.Error(err))
		return false
	}
	return disabled
}

func (a *app) discoveryConfig(fpr string, port int) discovery.Config {
	return discovery.Config{
		Service:      a.cfg.ServiceType,
		SelfDeviceID: a.cfg.DeviceID,
		DeviceName:   a.cfg.DeviceName,
		Port:         port,
		Fingerprint:  fpr,
		Logger:       a.logger.Named("discovery"),
	}
}

func (a *app) newFetcher() *network.Fetcher {
	return network.NewFetcher(network.FetchOptions{
		AttemptTimeout: a.cfg.AttemptTimeout(),
		MaxKeySize:     a.cfg.MaxKeySize,
		Parser:         a.keyring.KeyFromData,
		Logger:         a.logger.Named("fetch"),
		OnAttempt:      a.metrics.ObserveFetch,
		OnMismatch: func(candidate network.Candidate, want, got string) {
			name := candidate.Name
			err := a.store.LogSecurityEvent(storage.SecurityEvent{
				EventType:   storage.SecurityEventFingerprintMismatch,
				PeerName:    &name,
				Fingerprint: &want,
				Details:     storage.EventDetails(map[string]string{"served": got, "address": strings.Join(candidate.Addresses, ",")}),
				Severity:    storage.SecuritySeverityCritical,
			})
			if err != nil {
				a.logger.Warn("log security event failed", zap.Error(err))
			}
		},
	})
}

func (a *app) newSigner() *signing.Signer {
	return signing.NewSigner(a.dir, a.keyring, signing.Options{
		Recorder:  a.store,
		Deliverer: signing.OutboxDeliverer{Dir: a.cfg.OutboxDir},
		Logger:    a.logger.Named("signing"),
		OnSigned: func(models.UID) {
			a.metrics.UIDsSigned.Inc()
		},
	})
}

func (a *app) startServer(keyData []byte, fpr string) (session.KeyServer, error) {
	address := net.JoinHostPort("", strconv.Itoa(a.cfg.ServerPort()))
	server, err := network.Serve(address, keyData, fpr, network.ServerOptions{
		Logger: a.logger.Named("server"),
		OnServed: func(remote string, size int) {
			a.metrics.KeysServed.Inc()
			err := a.store.RecordTransfer(storage.TransferRecord{
				Direction:   storage.TransferDirectionServed,
				Outcome:     storage.TransferOutcomeSuccess,
				Fingerprint: fpr,
				PeerAddress: &remote,
				Bytes:       int64(size),
			})
			if err != nil {
				a.logger.Warn("record transfer failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

func (a *app) startAdvertiser(fpr string, port int) (session.Advertiser, error) {
	advertiser, err := discovery.StartAdvertiser(a.discoveryConfig(fpr, port))
	if err != nil {
		return nil, err
	}
	return advertiser, nil
}

func (a *app) startBrowser() (session.Browser, error) {
	browser, err := discovery.NewBrowser(a.discoveryConfig("", 0))
	if err != nil {
		return nil, err
	}
	if err := browser.Start(); err != nil {
		return nil, err
	}
	return browser, nil
}

func (a *app) newMachine(pattern string) (*session.Machine, error) {
	return session.New(session.Config{
		Keys:            a.dir,
		StartServer:     a.startServer,
		StartAdvertiser: a.startAdvertiser,
		StartBrowser:    a.startBrowser,
		Fetcher:         a.newFetcher(),
		Signer:          a.newSigner(),
		Recorder:        a.store,
		Metrics:         a.metrics,
		Logger:          a.logger.Named("session"),
		KeyPattern:      pattern,
		DownloadTimeout: a.cfg.DownloadTimeout(),
	})
}

// serveMetrics blocks until ctx is done. Without an address it only waits.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.cfg.MetricsAddress == "" {
		<-ctx.Done()
		return nil
	}
	err := a.metrics.Serve(ctx, a.cfg.MetricsAddress, a.logger.Named("metrics"))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
