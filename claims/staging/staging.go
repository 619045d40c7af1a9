// Package staging stores raw downloaded transaction files between download
// and acknowledgement. The staging store is the durability boundary: once a
// payload is staged the pipeline never goes back to the post office for it.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
)

// Store persists raw file payloads keyed by storage key. Implementations
// must make Put atomic: a reader never observes a partially written payload.
type Store interface {
	Put(key string, payload []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Fingerprint returns the hex SHA-256 of a payload. Two downloads with the
// same fingerprint are the same file regardless of what the post office
// named them.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Key builds the storage key for a facility's file. DiscoveredAt partitions
// keys by day so retention sweeps and operators can navigate the store.
func Key(facilityCode, fileID string, discoveredAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.xml", facilityCode, discoveredAt.UTC().Format("2006-01-02"), sanitize(fileID))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

type config struct {
	Dir            string `conf:"STAGING_DIR"`
	S3URI          string `conf:"STAGING_S3_URI"`
	S3Endpoint     string `conf:"STAGING_S3_ENDPOINT"`
	RetentionHours int    `conf:"STAGING_RETENTION_HOURS" conf_default:"168"`
}

// NewStoreFromEnv returns the configured staging backend: S3 when
// STAGING_S3_URI is set, otherwise the local directory named by STAGING_DIR.
func NewStoreFromEnv() (Store, error) {
	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	if cfg.S3URI != "" {
		return NewS3Store(cfg.S3URI, cfg.S3Endpoint)
	}
	if cfg.Dir != "" {
		return NewLocalStore(cfg.Dir)
	}
	return nil, errors.New("staging requires STAGING_DIR or STAGING_S3_URI")
}

// RetentionCutoff returns the moment before which acknowledged files are
// eligible for sweeping.
func RetentionCutoff(now time.Time) (time.Time, error) {
	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return time.Time{}, err
	}
	return now.Add(-time.Duration(cfg.RetentionHours) * time.Hour), nil
}
