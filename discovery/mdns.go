package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"keysign/fingerprint"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_gnome-keysign._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second

	txtFingerprint = "fingerprint"
	txtDeviceID    = "device_id"
	txtVersion     = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertiser and browser behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	Port         int
	Fingerprint  string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if !fingerprint.IsValid(c.Fingerprint) {
		return fmt.Errorf("advertised fingerprint %q is not valid", c.Fingerprint)
	}
	return nil
}

// Advertiser publishes one key server via mDNS.
type Advertiser struct {
	server   *zeroconf.Server
	instance string
	stopOnce sync.Once
}

// StartAdvertiser registers the service with a TXT fingerprint record.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	fpr := fingerprint.Normalize(cfg.Fingerprint)
	txt := []string{
		txtFingerprint + "=" + fpr,
		txtDeviceID + "=" + cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}

	instance := instanceName(cfg.DeviceName)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("advertising key",
		zap.String("instance", instance),
		zap.String("fingerprint", fpr),
		zap.Int("port", cfg.Port),
	)
	return &Advertiser{server: server, instance: instance}, nil
}

// Instance returns the registered service instance name.
func (a *Advertiser) Instance() string { return a.instance }

// Stop withdraws the advertisement. Safe to call more than once.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() {
		if a.server != nil {
			a.server.Shutdown()
		}
	})
}

// instanceName keeps instances unique when several keysign processes share a host.
func instanceName(deviceName string) string {
	name := strings.TrimSpace(deviceName)
	if name == "" {
		name = "keysign"
	}
	return name + " " + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
