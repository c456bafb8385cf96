package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
)

var (
	errObjectNotFound = errors.New("object not found")
	errObjectExists   = errors.New("object already exists")
)

// objectStore is the narrow slice of a bucket API the backend needs.
type objectStore interface {
	Get(ctx context.Context, name string) ([]byte, time.Time, error)
	Put(ctx context.Context, name string, data []byte, ifAbsent bool) error
	Delete(ctx context.Context, name string) error
}

// gcsBackend stores state as one object and locks with a second object that
// is only ever created under a does-not-exist precondition.
type gcsBackend struct {
	bucket   string
	stateKey string
	lockKey  string
	store    objectStore
	client   *storage.Client
	lockID   string
	beat     *heartbeat
}

func newGCSBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCS backend: %w", err)
	}
	b := newObjectBackend(cfg, &gcsStore{bucket: client.Bucket(cfg.Bucket)})
	b.client = client
	return b, nil
}

func newObjectBackend(cfg BackendConfig, store objectStore) *gcsBackend {
	return &gcsBackend{
		bucket:   cfg.Bucket,
		stateKey: cfg.objectKey(stateObject),
		lockKey:  cfg.objectKey(stateObject + ".lock"),
		store:    store,
	}
}

// Close releases the storage client.
func (b *gcsBackend) Close() error {
	b.beat.stop()
	b.beat = nil
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *gcsBackend) lockLocation() string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, b.lockKey)
}

func (b *gcsBackend) String() string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, b.stateKey)
}

func (b *gcsBackend) Read(ctx context.Context) (*ir.State, error) {
	raw, _, err := b.store.Get(ctx, b.stateKey)
	if errors.Is(err, errObjectNotFound) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state from %s: %w", b, err)
	}
	state, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func (b *gcsBackend) Write(ctx context.Context, state *ir.State) error {
	content, err := Encode(state)
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, b.stateKey, content, false); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b, err)
	}
	return nil
}

// Lock creates the lock object under a does-not-exist precondition. A lock
// unrefreshed for StaleLockAge is broken unless its holder is alive. While
// held, the lock object is rewritten every LockRefreshInterval.
func (b *gcsBackend) Lock(ctx context.Context) error {
	info := newLockInfo()
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}

	err = b.store.Put(ctx, b.lockKey, payload, true)
	if errors.Is(err, errObjectExists) {
		var holder *LockInfo
		held, modified, gerr := b.store.Get(ctx, b.lockKey)
		if gerr == nil {
			holder = parseLockInfo(held)
			if lockIsStale(holder, modified) {
				logging.Warn("breaking stale state lock", "lock", b.lockLocation(), "modified", modified)
				if err := b.store.Delete(ctx, b.lockKey); err != nil && !errors.Is(err, errObjectNotFound) {
					return fmt.Errorf("failed to break stale lock: %w", err)
				}
				err = b.store.Put(ctx, b.lockKey, payload, true)
			}
		}
		if errors.Is(err, errObjectExists) {
			return &LockedError{Location: b.lockLocation(), Info: holder}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	b.lockID = info.ID
	b.beat = startHeartbeat(ctx, b.lockLocation(), func(ctx context.Context) error {
		return b.refreshLock(ctx, info.ID, payload)
	})
	return nil
}

// refreshLock rewrites the lock object so its modification time advances.
func (b *gcsBackend) refreshLock(ctx context.Context, id string, payload []byte) error {
	held, _, err := b.store.Get(ctx, b.lockKey)
	if err != nil {
		return err
	}
	if info := parseLockInfo(held); info == nil || info.ID != id {
		return errLockNotHeld
	}
	return b.store.Put(ctx, b.lockKey, payload, false)
}

// Unlock deletes the lock object if it still carries this backend's lock ID.
func (b *gcsBackend) Unlock(ctx context.Context) error {
	b.beat.stop()
	b.beat = nil
	if b.lockID == "" {
		return nil
	}

	held, _, err := b.store.Get(ctx, b.lockKey)
	if errors.Is(err, errObjectNotFound) {
		b.lockID = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if info := parseLockInfo(held); info == nil || info.ID != b.lockID {
		b.lockID = ""
		return &LockTakenError{Location: b.lockLocation(), Holder: info}
	}
	if err := b.store.Delete(ctx, b.lockKey); err != nil && !errors.Is(err, errObjectNotFound) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	b.lockID = ""
	return nil
}

// gcsStore adapts a Cloud Storage bucket handle to objectStore.
type gcsStore struct {
	bucket *storage.BucketHandle
}

func (s *gcsStore) Get(ctx context.Context, name string) ([]byte, time.Time, error) {
	obj := s.bucket.Object(name)
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, time.Time{}, errObjectNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, r.Attrs.LastModified, nil
}

func (s *gcsStore) Put(ctx context.Context, name string, data []byte, ifAbsent bool) error {
	obj := s.bucket.Object(name)
	if ifAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	err := w.Close()

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return errObjectExists
	}
	return err
}

func (s *gcsStore) Delete(ctx context.Context, name string) error {
	err := s.bucket.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errObjectNotFound
	}
	return err
}
