package signature

import (
	"sync"
	"time"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

// Loader resolves the current auth method, typically re-reading mounted key
// files so rotated secrets are picked up without a restart.
type Loader func() (AuthMethod, error)

// Rotating is a Signer that reloads its key material at most once per refresh
// interval. A failed reload keeps the last good signer.
type Rotating struct {
	load    Loader
	refresh time.Duration
	now     func() time.Time

	mu          sync.Mutex
	current     Signer
	fingerprint string
	loadedAt    time.Time
}

// NewRotating loads the initial signer eagerly so misconfiguration surfaces at
// startup.
func NewRotating(load Loader, refresh time.Duration) (*Rotating, error) {
	if load == nil {
		return nil, common.ConfigErrorf("signature loader is nil")
	}
	r := &Rotating{load: load, refresh: refresh, now: time.Now}
	if _, err := r.signer(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetClock overrides the time source.
func (r *Rotating) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Rotating) signer() (Signer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.current != nil && (r.refresh <= 0 || now.Sub(r.loadedAt) < r.refresh) {
		return r.current, nil
	}

	method, err := r.load()
	if err != nil {
		if r.current != nil {
			r.loadedAt = now
			return r.current, nil
		}
		return nil, err
	}
	fp := fingerprint(method)
	if r.current != nil && fp == r.fingerprint {
		r.loadedAt = now
		return r.current, nil
	}
	next, err := New(method)
	if err != nil {
		if r.current != nil {
			r.loadedAt = now
			return r.current, nil
		}
		return nil, err
	}
	r.current = next
	r.fingerprint = fp
	r.loadedAt = now
	return next, nil
}

func (r *Rotating) Method() Method {
	s, err := r.signer()
	if err != nil {
		return ""
	}
	return s.Method()
}

func (r *Rotating) Sign(payload map[string]any) (string, error) {
	s, err := r.signer()
	if err != nil {
		return "", err
	}
	return s.Sign(payload)
}

func (r *Rotating) Verify(payload map[string]any, sig string) (bool, error) {
	s, err := r.signer()
	if err != nil {
		return false, err
	}
	return s.Verify(payload, sig)
}

func fingerprint(m AuthMethod) string {
	return common.Sha256Hex([]byte(string(m.Kind) + "\x00" + m.Secret + "\x00" + m.PrivateKeyPEM + "\x00" + m.PublicKeyPEM))
}
