package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrInvalidKey is returned when a key component sanitizes to nothing.
var ErrInvalidKey = errors.New("invalid evidence key component")

// Archiver sanitizes captures and writes them to a Store.
type Archiver struct {
	store    Store
	config   SanitizeConfig
	sanitize func([]byte, SanitizeConfig) ([]byte, error)
	logger   *slog.Logger
}

// NewArchiver creates an Archiver over store.
func NewArchiver(store Store, config SanitizeConfig, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:    store,
		config:   config,
		sanitize: Sanitize,
		logger:   logger,
	}
}

// Archive stores the sanitized image under attempts/<period>/<attempt>.jpg
// and returns the key. The raw image is never stored.
func (a *Archiver) Archive(ctx context.Context, periodKey, attemptID string, image []byte) (string, error) {
	key, err := Key(periodKey, attemptID)
	if err != nil {
		return "", err
	}

	clean, err := a.sanitize(image, a.config)
	if err != nil {
		return "", fmt.Errorf("failed to sanitize capture: %w", err)
	}
	if err := a.store.Put(ctx, key, ContentTypeJPEG, clean); err != nil {
		return "", err
	}

	a.logger.DebugContext(ctx, "archived attempt evidence",
		"attempt_id", attemptID,
		"key", key,
		"bytes", len(clean))
	return key, nil
}

// Key builds the object key for an attempt.
// Pattern: attempts/{period}/{attempt}.jpg
func Key(periodKey, attemptID string) (string, error) {
	period := sanitizePathComponent(periodKey)
	attempt := sanitizePathComponent(attemptID)
	if period == "" || attempt == "" {
		return "", ErrInvalidKey
	}
	return fmt.Sprintf("attempts/%s/%s.jpg", period, attempt), nil
}

// sanitizePathComponent keeps only alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
