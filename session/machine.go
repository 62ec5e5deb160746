package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"keysign/discovery"
	"keysign/errs"
	"keysign/fingerprint"
	"keysign/models"
	"keysign/network"
	"keysign/signing"
	"keysign/storage"
)

// Machine owns the transfer flow. All state is touched only by the Run
// goroutine; workers report back through Post.
type Machine struct {
	cfg    Config
	logger *zap.Logger

	events  chan Event
	updates chan Update
	done    chan struct{}
	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup

	runCtx context.Context

	server     KeyServer
	advertiser Advertiser
	presented  models.Key

	browser       Browser
	browserEvents <-chan discovery.Event
	peers         *discovery.PeerSet
	refreshToken  uint64

	fetchToken  uint64
	fetchCancel context.CancelFunc
	queue       *network.CandidateQueue
	target      string
	downloaded  *network.FetchResult

	signToken   uint64
	signCancel  context.CancelFunc
	signPending bool
}

// New validates cfg and returns an idle machine in Unknown.
func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  make(chan Event, defaultQueueSize),
		updates: make(chan Update, cfg.UpdateBuffer),
		done:    make(chan struct{}),
		peers:   discovery.NewPeerSet(),
	}, nil
}

// State returns the current state. Safe from any goroutine.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Updates returns display updates. The channel closes when Run returns.
func (m *Machine) Updates() <-chan Update {
	return m.updates
}

// Post queues ev for the control goroutine. It returns false once Run has
// returned.
func (m *Machine) Post(ev Event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Run processes events until ctx is done, then tears down every running
// server, advertiser, browser and worker.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	m.runCtx = ctx

	defer func() {
		m.teardown()
		close(m.done)
		m.wg.Wait()
		close(m.updates)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		case de, ok := <-m.browserEvents:
			if !ok {
				m.browserEvents = nil
				continue
			}
			switch de.Type {
			case discovery.EventPeerFound:
				m.handle(PeerFound{Peer: de.Peer})
			case discovery.EventPeerLost:
				m.handle(PeerLost{ServiceName: de.Peer.ServiceName})
			}
		}
	}
}

func (m *Machine) teardown() {
	m.cancelFetch()
	m.stopPresenting()
	m.cancelSign()
	m.stopBrowser()
}

func (m *Machine) handle(ev Event) {
	switch e := ev.(type) {
	case ModeSelected:
		if e.Receive {
			m.enterReceive()
		} else {
			m.enterSelectKey()
		}
		return
	case ViewReported:
		m.handleView(e)
		return
	case PeerFound:
		m.handlePeerFound(e.Peer)
		return
	case PeerLost:
		m.handlePeerLost(e.ServiceName)
		return
	case RefreshCompleted:
		m.handleRefreshCompleted(e)
		return
	}

	current := m.State()
	switch current {
	case Unknown:
		if _, ok := ev.(BackRequested); ok {
			m.enterSelectKey()
			return
		}
	case SelectKey:
		switch e := ev.(type) {
		case KeySelected:
			m.present(e.Fingerprint)
			return
		case BackRequested:
			m.enterSelectKey()
			return
		}
	case PresentKey:
		if _, ok := ev.(BackRequested); ok {
			m.enterSelectKey()
			return
		}
	case EnterFingerprint:
		switch e := ev.(type) {
		case FingerprintEntered:
			m.startDownload(fingerprint.Normalize(e.Text))
			return
		case CodeScanned:
			scan, err := fingerprint.ParseScan(e.Data)
			if err != nil {
				m.emitError(fmt.Errorf("%w: %w", errs.ErrInvalidFingerprint, err))
				return
			}
			m.startDownload(scan.Fingerprint)
			return
		case RefreshRequested:
			m.startRefresh()
			return
		}
	case DownloadingKey:
		switch e := ev.(type) {
		case RefreshRequested:
			m.startRefresh()
			return
		case FetchCompleted:
			if e.Token == m.fetchToken {
				m.handleFetchCompleted(e)
				return
			}
		case CancelDownload, BackRequested:
			m.recordTransfer(m.target, nil, 0, storage.TransferOutcomeCancelled)
			m.setState(EnterFingerprint)
			m.emitError(ErrDownloadCancelled)
			return
		}
	case ConfirmKey:
		switch ev.(type) {
		case ConfirmSign:
			m.startSigning()
			return
		case BackRequested:
			m.setState(EnterFingerprint)
			return
		}
	case Signing:
		switch e := ev.(type) {
		case SignCompleted:
			if e.Token == m.signToken && m.signPending {
				m.handleSignCompleted(e)
				return
			}
		case CancelSign:
			if m.signPending {
				m.setState(ConfirmKey)
				return
			}
		case BackRequested:
			m.setState(ConfirmKey)
			return
		}
	}

	m.logger.Debug("ignoring event",
		zap.String("state", current.String()),
		zap.String("event", fmt.Sprintf("%T", ev)),
	)
}

// setState runs exit hooks of the current state, then enters next.
func (m *Machine) setState(next State) {
	current := m.State()
	if current != next {
		switch current {
		case DownloadingKey:
			m.cancelFetch()
		case PresentKey:
			m.stopPresenting()
		case Signing:
			m.cancelSign()
		}
	}
	switch next {
	case SelectKey, PresentKey:
		m.stopBrowser()
		m.downloaded = nil
	case EnterFingerprint:
		m.downloaded = nil
	}

	m.state.Store(int32(next))
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveTransition(current.String(), next.String())
	}
	m.logger.Debug("state changed", zap.String("from", current.String()), zap.String("to", next.String()))
	m.emit(Update{Kind: UpdateState, State: next, Previous: current, Fingerprint: m.target})
}

func (m *Machine) handleView(e ViewReported) {
	if _, ok := ParseState(e.View); ok {
		return
	}
	m.logger.Error("unknown view reported", zap.String("view", e.View), zap.String("state", m.State().String()))
	m.setState(Unknown)
}

func (m *Machine) enterSelectKey() {
	m.setState(SelectKey)
	keys, err := m.cfg.Keys.ListUsableSecretKeys(m.cfg.KeyPattern)
	if err != nil {
		m.logger.Warn("list own keys failed", zap.Error(err))
		m.emitError(err)
		return
	}
	m.emit(Update{Kind: UpdateKeys, State: SelectKey, Keys: keys})
}

func (m *Machine) enterReceive() {
	m.setState(EnterFingerprint)
	m.ensureBrowser()
}

func (m *Machine) present(fpr string) {
	fpr = fingerprint.Normalize(fpr)
	if !fingerprint.IsValid(fpr) {
		m.emitError(fmt.Errorf("present %q: %w", fpr, errs.ErrInvalidFingerprint))
		return
	}

	keys, err := m.cfg.Keys.ListUsableSecretKeys(fpr)
	if err != nil {
		m.emitError(err)
		return
	}
	var key models.Key
	for _, candidate := range keys {
		if fingerprint.Equal(candidate.Fingerprint, fpr) {
			key = candidate
			break
		}
	}
	if key.Fingerprint == "" {
		m.emitError(fmt.Errorf("present %s: %w", fpr, errs.ErrNoUsableKey))
		return
	}

	data, err := m.cfg.Keys.ExportKeyData(fpr)
	if err != nil {
		m.emitError(err)
		return
	}

	server, err := m.cfg.StartServer(data, fpr)
	if err != nil {
		m.logger.Warn("key server failed to start", zap.String("fingerprint", fpr), zap.Error(err))
		m.logSecurityEvent(storage.SecurityEventServerStartFailed, fpr, err.Error())
		m.emitError(err)
		return
	}
	advertiser, err := m.cfg.StartAdvertiser(fpr, server.Port())
	if err != nil {
		_ = server.Close()
		m.logger.Warn("advertiser failed to start", zap.String("fingerprint", fpr), zap.Error(err))
		m.logSecurityEvent(storage.SecurityEventServerStartFailed, fpr, err.Error())
		m.emitError(fmt.Errorf("%w: %w", errs.ErrServerStart, err))
		return
	}

	m.setState(PresentKey)
	m.server = server
	m.advertiser = advertiser
	m.presented = key
	m.logger.Info("presenting key", zap.String("fingerprint", fpr), zap.Int("port", server.Port()))
	m.emit(Update{
		Kind:  UpdatePresenting,
		State: PresentKey,
		Key:   key,
		Presentation: Presentation{
			Fingerprint: fpr,
			Display:     fingerprint.FormatForDisplay(fpr),
			ScanData:    fingerprint.FormatScan(fpr),
			Port:        server.Port(),
			Instance:    advertiser.Instance(),
		},
	})
}

func (m *Machine) stopPresenting() {
	if m.advertiser != nil {
		m.advertiser.Stop()
		m.advertiser = nil
	}
	if m.server != nil {
		m.logger.Info("stopped presenting",
			zap.String("fingerprint", m.presented.Fingerprint),
			zap.Int64("served", m.server.Served()),
		)
		if err := m.server.Close(); err != nil {
			m.logger.Warn("key server close failed", zap.Error(err))
		}
		m.server = nil
	}
	m.presented = models.Key{}
}

func (m *Machine) ensureBrowser() {
	if m.browser != nil {
		return
	}
	browser, err := m.cfg.StartBrowser()
	if err != nil {
		m.logger.Warn("service browser failed to start", zap.Error(err))
		m.emitError(err)
		return
	}
	m.browser = browser
	m.browserEvents = browser.Events()
}

func (m *Machine) stopBrowser() {
	if m.browser != nil {
		m.browser.Stop()
		m.browser = nil
	}
	m.browserEvents = nil
	m.refreshToken++
	if m.peers.Len() > 0 {
		m.peers = discovery.NewPeerSet()
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.DiscoveredPeers.Set(0)
	}
}

func (m *Machine) handlePeerFound(peer discovery.DiscoveredPeer) {
	if m.addPeer(peer) {
		m.peersChanged()
	}
}

func (m *Machine) handlePeerLost(name string) {
	if m.removePeer(name) {
		m.peersChanged()
	}
}

func (m *Machine) addPeer(peer discovery.DiscoveredPeer) bool {
	if !m.peers.Found(peer) {
		return false
	}
	if m.queue != nil && fingerprint.Equal(peer.Fingerprint, m.target) {
		m.queue.Add(candidateFor(peer))
	}
	return true
}

func (m *Machine) removePeer(name string) bool {
	if !m.peers.Lost(name) {
		return false
	}
	if m.queue != nil {
		m.queue.Remove(name)
	}
	return true
}

// startRefresh runs a browse window off the control goroutine. Stopping the
// browser invalidates the pending completion.
func (m *Machine) startRefresh() {
	m.ensureBrowser()
	if m.browser == nil {
		return
	}

	m.refreshToken++
	token := m.refreshToken
	browser := m.browser
	ctx := m.runCtx

	m.logger.Debug("refreshing peers", zap.Int("known", m.peers.Len()))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := browser.Refresh(ctx)
		var peers []discovery.DiscoveredPeer
		if err == nil {
			peers = browser.Peers()
		}
		m.Post(RefreshCompleted{Token: token, Peers: peers, Err: err})
	}()
}

// handleRefreshCompleted makes the browser's view authoritative: peers it no
// longer sees are dropped, the rest are added or updated.
func (m *Machine) handleRefreshCompleted(e RefreshCompleted) {
	if e.Token != m.refreshToken || m.browser == nil {
		return
	}
	if e.Err != nil {
		m.logger.Warn("peer refresh failed", zap.Error(e.Err))
		return
	}

	visible := make(map[string]struct{}, len(e.Peers))
	for _, peer := range e.Peers {
		visible[peer.ServiceName] = struct{}{}
	}
	for _, known := range m.peers.Peers() {
		if _, ok := visible[known.ServiceName]; !ok {
			m.removePeer(known.ServiceName)
		}
	}
	for _, peer := range e.Peers {
		m.addPeer(peer)
	}
	m.peersChanged()
}

func (m *Machine) peersChanged() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.DiscoveredPeers.Set(float64(m.peers.Len()))
	}
	m.emit(Update{Kind: UpdatePeers, State: m.State(), Peers: m.peers.Peers()})
}

func candidateFor(peer discovery.DiscoveredPeer) network.Candidate {
	return network.Candidate{
		Name:        peer.ServiceName,
		Addresses:   peer.Endpoints(),
		Fingerprint: peer.Fingerprint,
	}
}

func (m *Machine) startDownload(fpr string) {
	if !fingerprint.IsValid(fpr) {
		m.emitError(fmt.Errorf("%q: %w", fpr, errs.ErrInvalidFingerprint))
		return
	}
	m.ensureBrowser()

	queue := network.NewCandidateQueue()
	for _, peer := range m.peers.WithFingerprint(fpr) {
		queue.Add(candidateFor(peer))
	}

	m.target = fpr
	m.setState(DownloadingKey)

	m.fetchToken++
	token := m.fetchToken
	ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.DownloadTimeout)
	m.fetchCancel = cancel
	m.queue = queue

	m.logger.Info("downloading key", zap.String("fingerprint", fpr), zap.Int("candidates", queue.Len()))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		result, err := m.cfg.Fetcher.Fetch(ctx, fpr, queue)
		m.Post(FetchCompleted{Token: token, Result: result, Err: err})
	}()
}

func (m *Machine) cancelFetch() {
	if m.fetchCancel != nil {
		m.fetchCancel()
		m.fetchCancel = nil
	}
	if m.queue != nil {
		m.queue.Close()
		m.queue = nil
	}
	m.fetchToken++
}

func (m *Machine) handleFetchCompleted(e FetchCompleted) {
	if e.Err != nil {
		outcome := storage.TransferOutcomeFailed
		switch {
		case errors.Is(e.Err, errs.ErrTimeout):
			outcome = storage.TransferOutcomeTimeout
		case errors.Is(e.Err, errs.ErrNotFound):
			outcome = storage.TransferOutcomeNotFound
		}
		m.logger.Info("download failed", zap.String("fingerprint", m.target), zap.Error(e.Err))
		m.recordTransfer(m.target, nil, 0, outcome)
		m.setState(EnterFingerprint)
		m.emitError(e.Err)
		return
	}

	result := e.Result
	m.recordTransfer(result.Key.Fingerprint, &result.Candidate, int64(len(result.Data)), storage.TransferOutcomeSuccess)
	m.setState(ConfirmKey)
	m.downloaded = &result
	m.emit(Update{Kind: UpdateDownloaded, State: ConfirmKey, Key: result.Key, Fingerprint: result.Key.Fingerprint})
}

func (m *Machine) startSigning() {
	if m.downloaded == nil {
		m.emitError(errors.New("no downloaded key to sign"))
		return
	}
	req := signing.Request{Key: m.downloaded.Key, KeyData: m.downloaded.Data}

	m.setState(Signing)

	m.signToken++
	token := m.signToken
	ctx, cancel := context.WithCancel(m.runCtx)
	m.signCancel = cancel
	m.signPending = true

	m.logger.Info("signing key", zap.String("fingerprint", req.Key.Fingerprint), zap.Int("uids", len(req.Key.UIDs)))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		results, err := m.cfg.Signer.Sign(ctx, req)
		m.Post(SignCompleted{Token: token, Results: results, Err: err})
	}()
}

func (m *Machine) cancelSign() {
	if m.signCancel != nil {
		m.signCancel()
		m.signCancel = nil
	}
	m.signPending = false
	m.signToken++
}

func (m *Machine) handleSignCompleted(e SignCompleted) {
	m.signPending = false
	if m.signCancel != nil {
		m.signCancel()
		m.signCancel = nil
	}
	if e.Err != nil {
		m.logger.Warn("signing failed", zap.Int("signed", len(e.Results)), zap.Error(e.Err))
	} else {
		m.logger.Info("signing finished", zap.Int("signed", len(e.Results)))
	}
	m.emit(Update{Kind: UpdateSigned, State: Signing, Results: e.Results, Err: e.Err})
}

func (m *Machine) recordTransfer(fpr string, candidate *network.Candidate, size int64, outcome string) {
	if m.cfg.Recorder == nil || fpr == "" {
		return
	}
	record := storage.TransferRecord{
		Direction:   storage.TransferDirectionReceived,
		Outcome:     outcome,
		Fingerprint: fpr,
		Bytes:       size,
	}
	if candidate != nil {
		name := candidate.Name
		record.PeerName = &name
		if len(candidate.Addresses) > 0 {
			address := candidate.Addresses[0]
			record.PeerAddress = &address
		}
	}
	if err := m.cfg.Recorder.RecordTransfer(record); err != nil {
		m.logger.Warn("record transfer failed", zap.Error(err))
	}
}

func (m *Machine) logSecurityEvent(eventType, fpr, details string) {
	if m.cfg.Recorder == nil {
		return
	}
	err := m.cfg.Recorder.LogSecurityEvent(storage.SecurityEvent{
		EventType:   eventType,
		Fingerprint: &fpr,
		Details:     storage.EventDetails(map[string]string{"error": details}),
		Severity:    storage.SecuritySeverityWarning,
	})
	if err != nil {
		m.logger.Warn("log security event failed", zap.Error(err))
	}
}

func (m *Machine) emitError(err error) {
	m.emit(Update{Kind: UpdateError, State: m.State(), Err: err})
}

// emit never blocks the control goroutine.
func (m *Machine) emit(update Update) {
	select {
	case m.updates <- update:
	default:
		m.logger.Debug("dropping update", zap.String("kind", string(update.Kind)))
	}
}
