package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"keysign/crypto"
	"keysign/errs"
	"keysign/metrics"
)

func candidateFor(name string, server *KeyServer, advertised string) Candidate {
	return Candidate{Name: name, Addresses: []string{server.Addr().String()}, Fingerprint: advertised}
}

func TestFetchAddressSuccess(t *testing.T) {
	alice, _ := loadTestKeys(t)
	server := serveTestKey(t, alice)

	var results []string
	fetcher := NewFetcher(FetchOptions{
		OnAttempt: func(result string, took time.Duration) { results = append(results, result) },
	})

	result, err := fetcher.FetchAddress(context.Background(), strings.ToLower(alice.fpr), server.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, alice.fpr, result.Key.Fingerprint)
	assert.True(t, bytes.Equal(alice.data, result.Data))
	assert.Equal(t, []string{metrics.ResultSuccess}, results)
}

func TestFetchMismatchIsNotFound(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	spoof := serveTestKey(t, mallory)

	core, logs := observer.New(zapcore.WarnLevel)
	var mismatches []string
	fetcher := NewFetcher(FetchOptions{
		Logger: zap.New(core),
		OnMismatch: func(c Candidate, want, got string) {
			mismatches = append(mismatches, got)
		},
	})

	_, err := fetcher.FetchFrom(context.Background(), alice.fpr, []Candidate{candidateFor("spoof", spoof, alice.fpr)})
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, []string{mallory.fpr}, mismatches)
	require.Equal(t, 1, logs.FilterMessage("fingerprint mismatch, possible spoof").Len())
}

func TestFetchContinuesPastMismatch(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	spoof := serveTestKey(t, mallory)
	genuine := serveTestKey(t, alice)

	fetcher := NewFetcher(FetchOptions{})
	result, err := fetcher.FetchFrom(context.Background(), alice.fpr, []Candidate{
		candidateFor("spoof", spoof, alice.fpr),
		candidateFor("real", genuine, alice.fpr),
	})
	require.NoError(t, err)
	assert.Equal(t, "real", result.Candidate.Name)
	assert.EqualValues(t, 1, spoof.Served())
}

func TestFetchSkipsCandidatesAdvertisingOtherFingerprints(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	other := serveTestKey(t, mallory)

	fetcher := NewFetcher(FetchOptions{})
	_, err := fetcher.FetchFrom(context.Background(), alice.fpr, []Candidate{candidateFor("other", other, mallory.fpr)})
	require.ErrorIs(t, err, errs.ErrNotFound)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, other.Served())
}

func TestFetchSkipsSuspectPeersOnLaterFetches(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	spoof := serveTestKey(t, mallory)
	fetcher := NewFetcher(FetchOptions{SuspectTTL: time.Minute})
	candidates := []Candidate{candidateFor("spoof", spoof, alice.fpr)}

	_, err := fetcher.FetchFrom(context.Background(), alice.fpr, candidates)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = fetcher.FetchFrom(context.Background(), alice.fpr, candidates)
	require.ErrorIs(t, err, errs.ErrNotFound)

	assert.EqualValues(t, 1, spoof.Served())
}

func TestFetchWaitsForQueuedCandidates(t *testing.T) {
	alice, _ := loadTestKeys(t)
	server := serveTestKey(t, alice)
	queue := NewCandidateQueue()

	go func() {
		time.Sleep(50 * time.Millisecond)
		queue.Add(candidateFor("late", server, alice.fpr))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := NewFetcher(FetchOptions{}).Fetch(ctx, alice.fpr, queue)
	require.NoError(t, err)
	assert.Equal(t, "late", result.Candidate.Name)
}

func TestFetchTimeoutWithoutCandidates(t *testing.T) {
	alice, _ := loadTestKeys(t)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := NewFetcher(FetchOptions{}).Fetch(ctx, alice.fpr, NewCandidateQueue())
	require.ErrorIs(t, err, errs.ErrTimeout)
}

func TestFetchDeadlineAfterMismatchIsNotFound(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	spoof := serveTestKey(t, mallory)
	queue := NewCandidateQueue()
	queue.Add(candidateFor("spoof", spoof, alice.fpr))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := NewFetcher(FetchOptions{}).Fetch(ctx, alice.fpr, queue)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFetchClosedQueueIsNotFound(t *testing.T) {
	alice, _ := loadTestKeys(t)
	queue := NewCandidateQueue()
	queue.Close()

	_, err := NewFetcher(FetchOptions{}).Fetch(context.Background(), alice.fpr, queue)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFetchCancelled(t *testing.T) {
	alice, _ := loadTestKeys(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := NewFetcher(FetchOptions{}).Fetch(ctx, alice.fpr, NewCandidateQueue())
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Fetch did not return after cancel")
	}
}

func TestFetchRejectsInvalidFingerprint(t *testing.T) {
	_, err := NewFetcher(FetchOptions{}).FetchAddress(context.Background(), "ABCD", "127.0.0.1:1")
	require.ErrorIs(t, err, errs.ErrInvalidFingerprint)
}

func TestFetchAttemptTimeoutOnStalledPeer(t *testing.T) {
	alice, _ := loadTestKeys(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	start := time.Now()
	_, err = NewFetcher(FetchOptions{AttemptTimeout: 100 * time.Millisecond}).
		FetchAddress(context.Background(), alice.fpr, listener.Addr().String())
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchRejectsOversizedKeys(t *testing.T) {
	alice, _ := loadTestKeys(t)
	big := serveTestKey(t, testKey{fpr: alice.fpr, data: bytes.Repeat([]byte("x"), 4096)})

	_, err := NewFetcher(FetchOptions{MaxKeySize: 1024}).
		FetchFrom(context.Background(), alice.fpr, []Candidate{candidateFor("big", big, alice.fpr)})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func closedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func TestFetchAddressTriesEveryAddress(t *testing.T) {
	alice, _ := loadTestKeys(t)
	server := serveTestKey(t, alice)

	result, err := NewFetcher(FetchOptions{}).
		FetchAddress(context.Background(), alice.fpr, closedAddress(t), server.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, alice.fpr, result.Key.Fingerprint)

	_, err = NewFetcher(FetchOptions{}).FetchAddress(context.Background(), alice.fpr)
	assert.Error(t, err)
}

func TestFetchRetriesReannouncedCandidate(t *testing.T) {
	alice, _ := loadTestKeys(t)
	server := serveTestKey(t, alice)
	queue := NewCandidateQueue()
	queue.Add(Candidate{Name: "bob-laptop", Addresses: []string{closedAddress(t)}, Fingerprint: alice.fpr})

	go func() {
		time.Sleep(100 * time.Millisecond)
		queue.Add(candidateFor("bob-laptop", server, alice.fpr))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := NewFetcher(FetchOptions{}).Fetch(ctx, alice.fpr, queue)
	require.NoError(t, err)
	assert.Equal(t, "bob-laptop", result.Candidate.Name)
	assert.EqualValues(t, 1, server.Served())
}

func TestFetchRetriesCandidateReannouncedAtSameAddress(t *testing.T) {
	alice, _ := loadTestKeys(t)
	server := serveTestKey(t, alice)
	candidate := candidateFor("bob-laptop", server, alice.fpr)

	var failures atomic.Int32
	fetcher := NewFetcher(FetchOptions{})
	dial := (&net.Dialer{}).DialContext
	fetcher.opts.dialFn = func(ctx context.Context, network, address string) (net.Conn, error) {
		if failures.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return dial(ctx, network, address)
	}

	queue := NewCandidateQueue()
	queue.Add(candidate)
	go func() {
		time.Sleep(100 * time.Millisecond)
		queue.Add(candidate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := fetcher.Fetch(ctx, alice.fpr, queue)
	require.NoError(t, err)
	assert.EqualValues(t, 2, failures.Load())
}

func TestFetchSuspectVerdictFollowsAdvertisedFingerprint(t *testing.T) {
	alice, mallory := loadTestKeys(t)
	server := serveTestKey(t, mallory)
	fetcher := NewFetcher(FetchOptions{SuspectTTL: time.Minute})

	_, err := fetcher.FetchFrom(context.Background(), alice.fpr, []Candidate{candidateFor("peer", server, alice.fpr)})
	require.ErrorIs(t, err, errs.ErrNotFound)

	// The same peer honestly advertising the key it serves is not skipped.
	result, err := fetcher.FetchFrom(context.Background(), mallory.fpr, []Candidate{candidateFor("peer", server, mallory.fpr)})
	require.NoError(t, err)
	assert.Equal(t, mallory.fpr, result.Key.Fingerprint)
	assert.EqualValues(t, 2, server.Served())
}

func TestFetchRefusesSecretKeyData(t *testing.T) {
	entity, err := openpgp.NewEntity("Bob", "", "bob@example.org", &packet.Config{RSABits: 1024})
	require.NoError(t, err)
	var buf bytes.Buffer
	writer, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(writer, nil))
	require.NoError(t, writer.Close())

	fpr := crypto.Fingerprint(entity)
	server := serveTestKey(t, testKey{fpr: fpr, data: buf.Bytes()})

	_, err = NewFetcher(FetchOptions{}).FetchAddress(context.Background(), fpr, server.Addr().String())
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.EqualValues(t, 1, server.Served())
}
