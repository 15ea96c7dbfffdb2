// Package artifact stores rendered label images.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"fulfillment/internal/config"
)

// Store persists a named blob and returns a reference to it.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// New picks the backend configured for token images.
func New(ctx context.Context, cfg config.TokenConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalStore(cfg.Dir, cfg.PublicPrefix)
	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// LocalStore writes files under dir and hands back public-prefix relative paths.
type LocalStore struct {
	dir    string
	prefix string
}

func NewLocalStore(dir, publicPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if publicPrefix == "" {
		publicPrefix = filepath.ToSlash(dir)
	}
	return &LocalStore{dir: dir, prefix: strings.TrimRight(publicPrefix, "/")}, nil
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	// write-then-rename keeps readers from seeing half-written images
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path.Join(s.prefix, name), nil
}
