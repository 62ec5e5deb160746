package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"keysign/errs"
	"keysign/fingerprint"
	"keysign/keyring"
	"keysign/metrics"
	"keysign/models"
)

const (
	// DefaultAttemptTimeout bounds one candidate download.
	DefaultAttemptTimeout = 5 * time.Second
	// DefaultMaxKeySize bounds the bytes read from one peer.
	DefaultMaxKeySize = 1 << 20
	// DefaultSuspectTTL is how long a peer that served the wrong key is skipped.
	DefaultSuspectTTL = 2 * time.Minute
)

// KeyParser turns transferred bytes into a key with a recomputed fingerprint.
type KeyParser func(data []byte) (models.Key, error)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	AttemptTimeout time.Duration
	MaxKeySize     int64
	SuspectTTL     time.Duration
	Parser         KeyParser
	Logger         *zap.Logger

	// OnAttempt receives one metrics result per candidate tried.
	OnAttempt func(result string, took time.Duration)
	// OnMismatch runs when a candidate serves a key with another fingerprint.
	OnMismatch func(candidate Candidate, want, got string)

	dialFn dialFunc
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = DefaultMaxKeySize
	}
	if o.SuspectTTL <= 0 {
		o.SuspectTTL = DefaultSuspectTTL
	}
	if o.Parser == nil {
		o.Parser = keyring.KeyFromData
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.dialFn == nil {
		dialer := &net.Dialer{}
		o.dialFn = dialer.DialContext
	}
	return o
}

// FetchResult is a downloaded key whose fingerprint matched the request.
type FetchResult struct {
	Key       models.Key
	Data      []byte
	Candidate Candidate
}

// Fetcher downloads keys from discovered peers and accepts only content that
// hashes to the requested fingerprint.
type Fetcher struct {
	opts     FetchOptions
	suspects *cache.Cache
}

// NewFetcher builds a Fetcher with defaults applied.
func NewFetcher(options FetchOptions) *Fetcher {
	opts := options.withDefaults()
	return &Fetcher{
		opts:     opts,
		suspects: cache.New(opts.SuspectTTL, 2*opts.SuspectTTL),
	}
}

// FetchAddress downloads fpr from one peer known by its addresses, tried in
// order.
func (f *Fetcher) FetchAddress(ctx context.Context, fpr string, addresses ...string) (FetchResult, error) {
	if len(addresses) == 0 {
		return FetchResult{}, errors.New("at least one address is required")
	}
	return f.FetchFrom(ctx, fpr, []Candidate{{
		Name:        addresses[0],
		Addresses:   addresses,
		Fingerprint: fingerprint.Normalize(fpr),
	}})
}

// FetchFrom tries a fixed candidate list.
func (f *Fetcher) FetchFrom(ctx context.Context, fpr string, candidates []Candidate) (FetchResult, error) {
	return f.Fetch(ctx, fpr, StaticCandidates(candidates))
}

// Fetch tries candidates advertising fpr in discovery order until one serves a
// key whose recomputed fingerprint equals fpr. Growing sources are re-read
// when they signal an update, until ctx ends.
func (f *Fetcher) Fetch(ctx context.Context, fpr string, source CandidateSource) (FetchResult, error) {
	if !fingerprint.IsValid(fpr) {
		return FetchResult{}, fmt.Errorf("fetch %q: %w", fpr, errs.ErrInvalidFingerprint)
	}
	target := fingerprint.Normalize(fpr)

	tried := make(map[string]struct{})
	attempted := false

	for {
		updated := source.Updated()

		for _, candidate := range source.Candidates() {
			if ctx.Err() != nil {
				return FetchResult{}, f.contextError(ctx, target, attempted)
			}
			if !fingerprint.Equal(candidate.Fingerprint, target) {
				continue
			}
			if _, done := tried[candidate.attemptKey()]; done {
				continue
			}
			tried[candidate.attemptKey()] = struct{}{}

			if got, suspect := f.suspects.Get(candidate.suspectKey()); suspect {
				f.opts.Logger.Debug("skipping suspect peer",
					zap.String("peer", candidate.Name),
					zap.Any("served", got),
				)
				continue
			}

			attempted = true
			result, err := f.attempt(ctx, target, candidate)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil {
				return FetchResult{}, f.contextError(ctx, target, attempted)
			}
			f.opts.Logger.Debug("candidate failed", zap.String("peer", candidate.Name), zap.Error(err))
		}

		if updated == nil {
			return FetchResult{}, fmt.Errorf("fetch %s: %w", target, errs.ErrNotFound)
		}

		select {
		case <-updated:
		case <-ctx.Done():
			return FetchResult{}, f.contextError(ctx, target, attempted)
		}
	}
}

func (f *Fetcher) contextError(ctx context.Context, target string, attempted bool) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if !attempted {
		return fmt.Errorf("fetch %s: %w", target, errs.ErrTimeout)
	}
	return fmt.Errorf("fetch %s: %w", target, errs.ErrNotFound)
}

func (f *Fetcher) attempt(ctx context.Context, target string, candidate Candidate) (FetchResult, error) {
	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()

	lastErr := errors.New("candidate has no addresses")
	for _, address := range candidate.Addresses {
		data, err := f.download(attemptCtx, address)
		if err != nil {
			lastErr = err
			if attemptCtx.Err() != nil {
				break
			}
			continue
		}

		key, err := f.opts.Parser(data)
		if err != nil {
			lastErr = fmt.Errorf("parse key from %s: %w", address, err)
			continue
		}

		if !fingerprint.Equal(key.Fingerprint, target) {
			f.opts.Logger.Warn("fingerprint mismatch, possible spoof",
				zap.String("peer", candidate.Name),
				zap.String("address", address),
				zap.String("want", target),
				zap.String("got", key.Fingerprint),
			)
			f.suspects.SetDefault(candidate.suspectKey(), key.Fingerprint)
			f.observe(metrics.ResultMismatch, start)
			if f.opts.OnMismatch != nil {
				f.opts.OnMismatch(candidate, target, key.Fingerprint)
			}
			return FetchResult{}, fmt.Errorf("%s served %s: %w", address, key.Fingerprint, errs.ErrFingerprintMismatch)
		}

		f.observe(metrics.ResultSuccess, start)
		f.opts.Logger.Info("downloaded key",
			zap.String("peer", candidate.Name),
			zap.String("address", address),
			zap.String("fingerprint", target),
		)
		return FetchResult{Key: key, Data: data, Candidate: candidate}, nil
	}

	f.observe(metrics.ResultError, start)
	return FetchResult{}, lastErr
}

func (f *Fetcher) download(ctx context.Context, address string) ([]byte, error) {
	conn, err := f.opts.dialFn(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(conn, f.opts.MaxKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("read key from %s: %w", address, err)
	}
	if int64(len(data)) > f.opts.MaxKeySize {
		return nil, fmt.Errorf("key from %s exceeds %d bytes", address, f.opts.MaxKeySize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response from %s", address)
	}
	return data, nil
}

func (f *Fetcher) observe(result string, start time.Time) {
	if f.opts.OnAttempt != nil {
		f.opts.OnAttempt(result, time.Since(start))
	}
}
