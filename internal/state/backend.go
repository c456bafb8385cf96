package state

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/flowdeploy/flowdeploy/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error

	// String describes where the state lives.
	String() string
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type string // "local", "gcs", "s3"

	// Path is the local state file.
	Path string

	Bucket string
	Prefix string
	// Region and LockTable apply to s3 only.
	Region    string
	LockTable string
}

const stateObject = "state.json"

// objectKey joins the configured prefix with name.
func (c *BackendConfig) objectKey(name string) string {
	if c.Prefix == "" {
		return path.Join("flowdeploy", name)
	}
	return path.Join(c.Prefix, name)
}

// NewBackend creates a state backend from configuration.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case "local", "":
		p := cfg.Path
		if p == "" {
			p = DefaultPath
		}
		return NewManager(p), nil
	case "gcs":
		return newGCSBackend(ctx, cfg)
	case "s3":
		return newS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// Close releases any client the backend holds.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WithLock runs fn while holding the backend lock.
func WithLock(ctx context.Context, b Backend, fn func() error) (err error) {
	if err := b.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := b.Unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}
