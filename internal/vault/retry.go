package vault

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"

	"labsnap/internal/snap"
)

// RetryingVault retries failed vault calls with exponential backoff.
// Missing objects and invalid keys fail immediately. Streams are rewound
// before each retry; a stream that cannot be rewound gets a single attempt.
type RetryingVault struct {
	inner    snap.Vault
	attempts uint
	delay    time.Duration
	onRetry  func(n uint, err error)
}

// NewRetryingVault wraps inner so each call is tried up to attempts times.
func NewRetryingVault(inner snap.Vault, attempts uint, delay time.Duration) *RetryingVault {
	if attempts == 0 {
		attempts = 1
	}
	return &RetryingVault{inner: inner, attempts: attempts, delay: delay}
}

// OnRetry registers a callback invoked before every retry.
func (v *RetryingVault) OnRetry(fn func(n uint, err error)) {
	v.onRetry = fn
}

func (v *RetryingVault) options() []retry.Option {
	opts := []retry.Option{
		retry.Attempts(v.attempts),
		retry.Delay(v.delay),
		retry.MaxDelay(8 * v.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	}
	if v.onRetry != nil {
		opts = append(opts, retry.OnRetry(v.onRetry))
	}
	return opts
}

func retryable(err error) bool {
	return !errors.Is(err, ErrObjectNotFound) && !errors.Is(err, ErrInvalidKey)
}

func (v *RetryingVault) PutObject(key string, r io.Reader, size int64) error {
	seeker, ok := r.(io.Seeker)
	if !ok {
		return v.inner.PutObject(key, r, size)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return v.inner.PutObject(key, r, size)
	}

	first := true
	return retry.Do(func() error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rewinding upload of %s: %w", key, err))
			}
		}
		first = false
		return v.inner.PutObject(key, r, size)
	}, v.options()...)
}

// truncater is satisfied by *os.File.
type truncater interface {
	io.Seeker
	Truncate(size int64) error
}

// resetter is satisfied by *bytes.Buffer. Reset discards everything, so a
// buffer must be empty when the download starts.
type resetter interface {
	Reset()
}

func (v *RetryingVault) GetObject(key string, w io.Writer) error {
	var rewind func() error
	switch t := w.(type) {
	case truncater:
		start, err := t.Seek(0, io.SeekCurrent)
		if err != nil {
			return v.inner.GetObject(key, w)
		}
		rewind = func() error {
			if err := t.Truncate(start); err != nil {
				return err
			}
			_, err := t.Seek(start, io.SeekStart)
			return err
		}
	case resetter:
		rewind = func() error {
			t.Reset()
			return nil
		}
	default:
		return v.inner.GetObject(key, w)
	}

	first := true
	return retry.Do(func() error {
		if !first {
			if err := rewind(); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rewinding download of %s: %w", key, err))
			}
		}
		first = false
		return v.inner.GetObject(key, w)
	}, v.options()...)
}

func (v *RetryingVault) ListObjects() ([]string, error) {
	return retry.DoWithData(v.inner.ListObjects, v.options()...)
}

func (v *RetryingVault) ValidateSetup() error {
	return retry.Do(v.inner.ValidateSetup, v.options()...)
}

var _ snap.Vault = (*RetryingVault)(nil)
