package signing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"keysign/fingerprint"
	"keysign/models"
)

// OutboxDeliverer writes each encrypted signed identity to <dir>/<fpr>-<n>.asc
// for the user to send on.
type OutboxDeliverer struct {
	Dir string
}

// Deliver implements Deliverer.
func (o OutboxDeliverer) Deliver(ctx context.Context, key models.Key, uid models.UID, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(o.Dir) == "" {
		return "", errors.New("outbox directory is required")
	}
	if err := os.MkdirAll(o.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}

	fpr := fingerprint.Normalize(key.Fingerprint)
	for n := 1; ; n++ {
		path := filepath.Join(o.Dir, fmt.Sprintf("%s-%d.asc", fpr, n))
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create outbox file: %w", err)
		}

		if _, err := file.Write(data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write outbox file: %w", err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("close outbox file: %w", err)
		}
		return path, nil
	}
}
