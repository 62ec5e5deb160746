package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keysign/discovery"
	"keysign/errs"
	"keysign/models"
	"keysign/network"
	"keysign/session"
	"keysign/signing"
	"keysign/storage"
)

const testFpr = "89ABCDEF0123456789ABCDEF0123456789ABCDEF"

type scriptedPrompter struct {
	answers []string
	asked   []string
}

func (p *scriptedPrompter) Ask(prompt string) (string, error) {
	p.asked = append(p.asked, prompt)
	if len(p.answers) == 0 {
		return "", errAborted
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *scriptedPrompter) Close() error { return nil }

type stubKeys struct{}

func (stubKeys) ListUsableSecretKeys(string) ([]models.Key, error) { return nil, nil }

func (stubKeys) ExportKeyData(string) ([]byte, error) { return nil, errs.ErrNoUsableKey }

type stubBrowser struct{ events chan discovery.Event }

func (b stubBrowser) Events() <-chan discovery.Event { return b.events }

func (stubBrowser) Refresh(context.Context) error { return nil }

func (stubBrowser) Peers() []discovery.DiscoveredPeer { return nil }

func (stubBrowser) Stop() {}

type stubFetcher struct {
	result network.FetchResult
	err    error
}

func (f stubFetcher) Fetch(context.Context, string, network.CandidateSource) (network.FetchResult, error) {
	return f.result, f.err
}

type stubSigner struct{ signed chan signing.Request }

func (s stubSigner) Sign(_ context.Context, req signing.Request) ([]signing.Result, error) {
	s.signed <- req
	return []signing.Result{{UID: req.Key.UIDs[0], Location: "/tmp/outbox/" + req.Key.Fingerprint + "-1.asc"}}, nil
}

func newTestMachine(t *testing.T, fetcher session.Fetcher, signer session.Signer) *session.Machine {
	t.Helper()
	m, err := session.New(session.Config{
		Keys: stubKeys{},
		StartServer: func([]byte, string) (session.KeyServer, error) {
			return nil, errs.ErrServerStart
		},
		StartAdvertiser: func(string, int) (session.Advertiser, error) {
			return nil, errors.New("no advertiser")
		},
		StartBrowser: func() (session.Browser, error) {
			return stubBrowser{events: make(chan discovery.Event)}, nil
		},
		Fetcher: fetcher,
		Signer:  signer,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return m
}

func bobResult() network.FetchResult {
	return network.FetchResult{
		Key:  models.Key{Fingerprint: testFpr, UIDs: []models.UID{models.ParseUID("Bob <bob@example.org>")}},
		Data: []byte("bob key"),
	}
}

func runDriver(t *testing.T, m *session.Machine, drive driver) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return runMachine(ctx, m, nil, drive)
}

func TestInputEvent(t *testing.T) {
	assert.Equal(t, session.CodeScanned{Data: "OPENPGP4FPR:" + testFpr}, inputEvent(" OPENPGP4FPR:"+testFpr+" "))
	assert.Equal(t, session.FingerprintEntered{Text: "89AB CDEF"}, inputEvent("89AB CDEF"))
}

func TestIsYes(t *testing.T) {
	assert.True(t, isYes("y"))
	assert.True(t, isYes(" YES "))
	assert.False(t, isYes(""))
	assert.False(t, isYes("nope"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(fmt.Errorf("fetch: %w", errs.ErrNotFound)))
	assert.True(t, retryable(session.ErrDownloadCancelled))
	assert.False(t, retryable(errs.ErrKeyring))
}

func TestTransferOutcome(t *testing.T) {
	assert.Equal(t, storage.TransferOutcomeSuccess, transferOutcome(nil))
	assert.Equal(t, storage.TransferOutcomeTimeout, transferOutcome(errs.ErrTimeout))
	assert.Equal(t, storage.TransferOutcomeNotFound, transferOutcome(fmt.Errorf("x: %w", errs.ErrNotFound)))
	assert.Equal(t, storage.TransferOutcomeCancelled, transferOutcome(context.Canceled))
	assert.Equal(t, storage.TransferOutcomeFailed, transferOutcome(errors.New("boom")))
}

func TestChooseKey(t *testing.T) {
	keys := []models.Key{{Fingerprint: testFpr}, {Fingerprint: strings.Repeat("A", 40)}}

	_, err := chooseKey(nil, &scriptedPrompter{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, errs.ErrNoUsableKey)

	only, err := chooseKey(keys[:1], &scriptedPrompter{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, testFpr, only.Fingerprint)

	p := &scriptedPrompter{answers: []string{"7", "two", "2"}}
	var out bytes.Buffer
	chosen, err := chooseKey(keys, p, &out)
	require.NoError(t, err)
	assert.Equal(t, keys[1].Fingerprint, chosen.Fingerprint)
	assert.Len(t, p.asked, 3)
	assert.Contains(t, out.String(), "enter a number between 1 and 2")
}

func TestPrintKey(t *testing.T) {
	var out bytes.Buffer
	printKey(&out, "pub", models.Key{
		Fingerprint: testFpr,
		UIDs:        []models.UID{models.ParseUID("Bob <bob@example.org>")},
	}, []string{"expired"})

	text := out.String()
	assert.Contains(t, text, "pub  89ABCDEF  [expired]")
	assert.Contains(t, text, "uid  Bob <bob@example.org>")
	assert.Contains(t, text, "No expiration date")
}

func TestDriveReceiveSignsConfirmedKey(t *testing.T) {
	signer := stubSigner{signed: make(chan signing.Request, 1)}
	m := newTestMachine(t, stubFetcher{result: bobResult()}, signer)
	p := &scriptedPrompter{answers: []string{"y"}}
	var out bytes.Buffer

	err := runDriver(t, m, func(ctx context.Context, m *session.Machine) error {
		return driveReceive(ctx, m, "openpgp4fpr:"+strings.ToLower(testFpr), p, &out)
	})
	require.NoError(t, err)

	req := <-signer.signed
	assert.Equal(t, testFpr, req.Key.Fingerprint)
	assert.Contains(t, out.String(), "Looking for "+testFpr)
	assert.Contains(t, out.String(), "Signed Bob <bob@example.org>")
}

func TestDriveReceiveDeclined(t *testing.T) {
	signer := stubSigner{signed: make(chan signing.Request, 1)}
	m := newTestMachine(t, stubFetcher{result: bobResult()}, signer)
	p := &scriptedPrompter{answers: []string{"", testFpr, "n"}}
	var out bytes.Buffer

	err := runDriver(t, m, func(ctx context.Context, m *session.Machine) error {
		return driveReceive(ctx, m, "", p, &out)
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Searching for keysign services")
	assert.Contains(t, out.String(), "Not signed.")
	assert.Empty(t, signer.signed)
}

func TestDriveReceiveReturnsFetchErrorForArgument(t *testing.T) {
	m := newTestMachine(t, stubFetcher{err: fmt.Errorf("fetch: %w", errs.ErrNotFound)}, stubSigner{})
	var out bytes.Buffer

	err := runDriver(t, m, func(ctx context.Context, m *session.Machine) error {
		return driveReceive(ctx, m, testFpr, &scriptedPrompter{}, &out)
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDrivePresentReturnsWhenNoKeys(t *testing.T) {
	m := newTestMachine(t, stubFetcher{}, stubSigner{})

	err := runDriver(t, m, func(ctx context.Context, m *session.Machine) error {
		return drivePresent(ctx, m, &scriptedPrompter{}, &bytes.Buffer{})
	})
	assert.ErrorIs(t, err, errs.ErrNoUsableKey)
}

func TestRootCommandTree(t *testing.T) {
	root, cleanup := newRootCommand()
	defer cleanup()

	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"keys", "present", "receive", "fetch", "history", "disable", "enable"} {
		assert.Contains(t, names, want)
	}

	for _, sub := range []string{"generate", "import"} {
		found, _, err := root.Find([]string{"keys", sub})
		require.NoError(t, err)
		assert.Equal(t, sub, found.Name())
	}
}
