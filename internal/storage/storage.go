// Package storage keeps the original receipt files. The image pipeline
// needs a local path, so every Store can materialize a reference on disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// ErrNotFound is returned when a reference does not resolve to a file.
var ErrNotFound = errors.New("storage: not found")

// ErrBadRef is returned for references a store did not produce.
var ErrBadRef = errors.New("storage: invalid reference")

// Store persists uploads and hands them back as local files.
type Store interface {
	// Put stores r under a fresh key derived from name and returns its
	// reference.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	// Fetch returns a local path for ref. release must be called when the
	// caller is done with the path.
	Fetch(ctx context.Context, ref string) (path string, release func(), err error)
	Delete(ctx context.Context, ref string) error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		l, err := NewLocal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "s3":
		s, err := NewS3FromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
