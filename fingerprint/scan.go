package fingerprint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ScanScheme prefixes fingerprints rendered as scannable codes.
const ScanScheme = "OPENPGP4FPR"

// ErrEmptyFingerprint indicates scanned data carried no fingerprint component.
var ErrEmptyFingerprint = errors.New("fingerprint: scanned data has no fingerprint")

// Scan is the parsed content of a scanned code.
type Scan struct {
	Scheme      string
	Fingerprint string
	// Extra holds flattened query and fragment pairs. Fragment values win.
	Extra map[string]string
}

// ParseScan parses scheme:FINGERPRINT[?query][#fragment].
func ParseScan(data string) (Scan, error) {
	u, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return Scan{}, fmt.Errorf("parse scanned data: %w", err)
	}

	raw := u.Opaque
	if raw == "" {
		raw = u.Path
	}
	fpr := Normalize(raw)
	if fpr == "" {
		return Scan{}, ErrEmptyFingerprint
	}

	extra := make(map[string]string)
	if err := mergeValues(extra, u.RawQuery); err != nil {
		return Scan{}, fmt.Errorf("parse scanned query: %w", err)
	}
	if err := mergeValues(extra, u.Fragment); err != nil {
		return Scan{}, fmt.Errorf("parse scanned fragment: %w", err)
	}

	return Scan{
		Scheme:      u.Scheme,
		Fingerprint: fpr,
		Extra:       extra,
	}, nil
}

// FormatScan returns the string rendered as a scannable code for a fingerprint.
func FormatScan(fpr string) string {
	return ScanScheme + ":" + Normalize(fpr)
}

func mergeValues(dst map[string]string, raw string) error {
	if raw == "" {
		return nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return err
	}
	for key, vals := range values {
		if key == "" || len(vals) == 0 {
			continue
		}
		dst[key] = vals[0]
	}
	return nil
}
