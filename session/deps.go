package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"keysign/discovery"
	"keysign/metrics"
	"keysign/models"
	"keysign/network"
	"keysign/signing"
	"keysign/storage"
)

const (
	DefaultDownloadTimeout = 60 * time.Second
	defaultQueueSize       = 64
)

// ErrDownloadCancelled is reported when the user aborts a download.
var ErrDownloadCancelled = errors.New("download cancelled")

// KeySource lists and exports own keys.
type KeySource interface {
	ListUsableSecretKeys(pattern string) ([]models.Key, error)
	ExportKeyData(fpr string) ([]byte, error)
}

// KeyServer is a running key server handle.
type KeyServer interface {
	Port() int
	IsServing() bool
	// Served counts clients that received the full key.
	Served() int64
	Close() error
}

// Advertiser is a running service announcement.
type Advertiser interface {
	Instance() string
	Stop()
}

// Browser is a running service browser.
type Browser interface {
	Events() <-chan discovery.Event
	// Refresh runs a browse window now and returns when it is over.
	Refresh(ctx context.Context) error
	Peers() []discovery.DiscoveredPeer
	Stop()
}

// Fetcher downloads a key by fingerprint.
type Fetcher interface {
	Fetch(ctx context.Context, fpr string, source network.CandidateSource) (network.FetchResult, error)
}

// Signer certifies a downloaded key.
type Signer interface {
	Sign(ctx context.Context, req signing.Request) ([]signing.Result, error)
}

// Recorder persists transfer and security history.
type Recorder interface {
	RecordTransfer(record storage.TransferRecord) error
	LogSecurityEvent(event storage.SecurityEvent) error
}

type (
	ServerStarter     func(keyData []byte, fpr string) (KeyServer, error)
	AdvertiserStarter func(fpr string, port int) (Advertiser, error)
	BrowserStarter    func() (Browser, error)
)

// Config wires a Machine to its collaborators. Recorder and Metrics are optional.
type Config struct {
	Keys            KeySource
	StartServer     ServerStarter
	StartAdvertiser AdvertiserStarter
	StartBrowser    BrowserStarter
	Fetcher         Fetcher
	Signer          Signer
	Recorder        Recorder
	Metrics         *metrics.Metrics
	Logger          *zap.Logger

	// KeyPattern restricts the own keys offered in SelectKey.
	KeyPattern      string
	DownloadTimeout time.Duration
	UpdateBuffer    int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = defaultQueueSize
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Keys == nil:
		return errors.New("key source is required")
	case c.StartServer == nil:
		return errors.New("server starter is required")
	case c.StartAdvertiser == nil:
		return errors.New("advertiser starter is required")
	case c.StartBrowser == nil:
		return errors.New("browser starter is required")
	case c.Fetcher == nil:
		return errors.New("fetcher is required")
	case c.Signer == nil:
		return errors.New("signer is required")
	}
	return nil
}
