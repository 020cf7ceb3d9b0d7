package cas

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/fingerprint"
)

// RetryPolicy bounds remote backend calls. Remote errors are never fatal: the
// engine falls back to local execution.
type RetryPolicy struct {
	Timeout  time.Duration // per attempt
	Attempts int
	Backoff  time.Duration // initial; doubles per attempt
}

// DefaultRetryPolicy matches the scheduler's transient-failure policy.
var DefaultRetryPolicy = RetryPolicy{
	Timeout:  10 * time.Second,
	Attempts: 3,
	Backoff:  100 * time.Millisecond,
}

// Tiered layers an optional remote backend over the local store. Reads
// prefer local, pull remote hits into the local tree, and treat remote
// failures as misses. Writes publish locally and mirror to the remote on a
// best-effort basis.
type Tiered struct {
	Local  *Store
	Remote Backend // nil disables the remote tier
	Policy RetryPolicy
	Log    *log.Logger
}

// NewTiered wires the local store with an optional remote backend.
func NewTiered(local *Store, remote Backend, logger *log.Logger) *Tiered {
	return &Tiered{Local: local, Remote: remote, Policy: DefaultRetryPolicy, Log: logger}
}

func (t *Tiered) remoteCall(ctx context.Context, what string, call func(context.Context) error) error {
	var err error
	backoff := t.Policy.Backoff
	for attempt := 0; attempt < t.Policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, t.Policy.Timeout)
		err = call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || corerr.IsTransient(err) {
			continue
		}
		break
	}
	return corerr.Transient(corerr.Cache, "remote %s: %w", what, err)
}

// Exists reports whether d is present in either tier.
func (t *Tiered) Exists(ctx context.Context, d fingerprint.Digest) (bool, error) {
	ok, err := t.Local.Exists(ctx, d)
	if err != nil || ok {
		return ok, err
	}
	if t.Remote == nil {
		return false, nil
	}
	var remoteOK bool
	err = t.remoteCall(ctx, "exists", func(ctx context.Context) error {
		var err error
		remoteOK, err = t.Remote.Exists(ctx, d)
		return err
	})
	if err != nil {
		t.logf("remote exists %s: %v (treating as miss)", d, err)
		return false, nil
	}
	return remoteOK, nil
}

// Get returns the blob for d, pulling a remote hit into the local store. A
// remote failure is a miss, not an error.
func (t *Tiered) Get(ctx context.Context, d fingerprint.Digest) ([]byte, error) {
	b, err := t.Local.Get(ctx, d)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrArtifactNotFound) || t.Remote == nil {
		return nil, err
	}
	var remote []byte
	err = t.remoteCall(ctx, "get", func(ctx context.Context) error {
		var err error
		remote, err = t.Remote.Get(ctx, d)
		return err
	})
	if err != nil {
		t.logf("remote get %s: %v (treating as miss)", d, err)
		return nil, ErrArtifactNotFound
	}
	if got := fingerprint.Bytes(remote); got != d {
		t.logf("remote get %s: digest mismatch (got %s), discarding", d, got)
		return nil, ErrArtifactNotFound
	}
	if err := t.Local.Put(ctx, d, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// Put publishes locally and mirrors to the remote; a remote failure is
// logged, never surfaced.
func (t *Tiered) Put(ctx context.Context, d fingerprint.Digest, data []byte) error {
	if err := t.Local.Put(ctx, d, data); err != nil {
		return err
	}
	if t.Remote == nil {
		return nil
	}
	if err := t.remoteCall(ctx, "put", func(ctx context.Context) error {
		return t.Remote.Put(ctx, d, data)
	}); err != nil {
		t.logf("remote put %s: %v", d, err)
	}
	return nil
}

func (t *Tiered) logf(format string, args ...interface{}) {
	if t.Log != nil {
		t.Log.Printf("[cas] "+format, args...)
	}
}
