package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "BEFDD433DCF8956D0D36011B4B032D3DED8312A2"

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "Alice Laptop",
		Port:         9999,
		Fingerprint:  "befd d433 dcf8 956d 0d36 011b 4b03 2d3d ed83 12a2",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	require.NoError(t, err)
	require.NotNil(t, advertiser)

	assert.True(t, strings.HasPrefix(gotInstance, "Alice Laptop "), "instance %q", gotInstance)
	assert.Equal(t, gotInstance, advertiser.Instance())
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 9999, gotPort)

	assert.Contains(t, gotTXT, "fingerprint="+testFingerprint)
	assert.Contains(t, gotTXT, "device_id=device-123")
	assert.Contains(t, gotTXT, "version=1")

	advertiser.Stop()
	advertiser.Stop()
}

func TestStartAdvertiserValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		require.FailNow(t, "register should not be called for invalid config")
		return nil, nil
	}

	cases := map[string]Config{
		"missing device": {Port: 1, Fingerprint: testFingerprint, registerFn: register},
		"missing port":   {SelfDeviceID: "d", Fingerprint: testFingerprint, registerFn: register},
		"bad fpr":        {SelfDeviceID: "d", Port: 1, Fingerprint: "ABCD", registerFn: register},
	}
	for name, cfg := range cases {
		_, err := StartAdvertiser(cfg)
		assert.Error(t, err, name)
	}
}

func TestStartAdvertiserWrapsRegisterError(t *testing.T) {
	cause := errors.New("no multicast interface")
	_, err := StartAdvertiser(Config{
		SelfDeviceID: "d",
		Port:         1,
		Fingerprint:  testFingerprint,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, cause
		},
	})
	assert.ErrorIs(t, err, cause)
}

func TestStopOnNilAdvertiser(t *testing.T) {
	var advertiser *Advertiser
	advertiser.Stop()
}

func TestInstanceNameIsUnique(t *testing.T) {
	assert.NotEqual(t, instanceName("host"), instanceName("host"))
	assert.True(t, strings.HasPrefix(instanceName("  "), "keysign "))
}
