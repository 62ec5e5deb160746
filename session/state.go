// Package session drives the key transfer and signing flow as an explicit
// state machine fed by one ordered event channel.
package session

import (
	"strings"

	"keysign/discovery"
	"keysign/models"
	"keysign/network"
	"keysign/signing"
)

// State is a screen of the transfer flow.
type State int32

const (
	Unknown State = iota
	SelectKey
	PresentKey
	EnterFingerprint
	DownloadingKey
	ConfirmKey
	Signing
)

var stateNames = map[State]string{
	Unknown:          "unknown",
	SelectKey:        "select_key",
	PresentKey:       "present_key",
	EnterFingerprint: "enter_fingerprint",
	DownloadingKey:   "downloading_key",
	ConfirmKey:       "confirm_key",
	Signing:          "signing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState maps a view name back to its state.
func ParseState(name string) (State, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for state, stateName := range stateNames {
		if stateName == name {
			return state, true
		}
	}
	return Unknown, false
}

// Event is anything posted to a Machine.
type Event interface {
	isEvent()
}

// ModeSelected switches between sending (false) and receiving (true).
type ModeSelected struct{ Receive bool }

// KeySelected picks the own key to present.
type KeySelected struct{ Fingerprint string }

// BackRequested is the back button.
type BackRequested struct{}

// FingerprintEntered carries manually typed fingerprint text.
type FingerprintEntered struct{ Text string }

// CodeScanned carries a decoded scan payload such as "openpgp4fpr:...".
type CodeScanned struct{ Data string }

// PeerFound reports a discovered peer.
type PeerFound struct{ Peer discovery.DiscoveredPeer }

// PeerLost reports a peer that went away.
type PeerLost struct{ ServiceName string }

// RefreshRequested asks the browser for an immediate browse window.
type RefreshRequested struct{}

// RefreshCompleted is posted by the refresh worker with the browser's peers.
type RefreshCompleted struct {
	Token uint64
	Peers []discovery.DiscoveredPeer
	Err   error
}

// FetchCompleted is posted by the download worker.
type FetchCompleted struct {
	Token  uint64
	Result network.FetchResult
	Err    error
}

// CancelDownload aborts a running download.
type CancelDownload struct{}

// ConfirmSign accepts the downloaded key for signing.
type ConfirmSign struct{}

// CancelSign aborts a running signing job.
type CancelSign struct{}

// SignCompleted is posted by the signing worker.
type SignCompleted struct {
	Token   uint64
	Results []signing.Result
	Err     error
}

// ViewReported tells the machine which view the display layer shows.
type ViewReported struct{ View string }

func (ModeSelected) isEvent()       {}
func (KeySelected) isEvent()        {}
func (BackRequested) isEvent()      {}
func (FingerprintEntered) isEvent() {}
func (CodeScanned) isEvent()        {}
func (PeerFound) isEvent()          {}
func (PeerLost) isEvent()           {}
func (RefreshRequested) isEvent()   {}
func (RefreshCompleted) isEvent()   {}
func (FetchCompleted) isEvent()     {}
func (CancelDownload) isEvent()     {}
func (ConfirmSign) isEvent()        {}
func (CancelSign) isEvent()         {}
func (SignCompleted) isEvent()      {}
func (ViewReported) isEvent()       {}

// UpdateKind tells the display layer what changed.
type UpdateKind string

const (
	UpdateState      UpdateKind = "state"
	UpdateKeys       UpdateKind = "keys"
	UpdatePresenting UpdateKind = "presenting"
	UpdatePeers      UpdateKind = "peers"
	UpdateDownloaded UpdateKind = "downloaded"
	UpdateSigned     UpdateKind = "signed"
	UpdateError      UpdateKind = "error"
)

// Presentation is what the display layer renders while a key is offered.
type Presentation struct {
	Fingerprint string
	// Display is the fingerprint grouped for reading aloud.
	Display string
	// ScanData is the string to render as a scannable code.
	ScanData string
	Port     int
	// Instance is the announced service instance name.
	Instance string
}

// Update is emitted to the display layer after every handled event that
// changes something visible.
type Update struct {
	Kind     UpdateKind
	State    State
	Previous State

	Fingerprint  string
	Keys         []models.Key
	Key          models.Key
	Presentation Presentation
	Peers        []discovery.DiscoveredPeer
	Results      []signing.Result
	Err          error
}
