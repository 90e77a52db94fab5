package platform

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrEmptyCredential    = errors.New("credential is empty")
	ErrCredentialReleased = errors.New("credential has been released")
)

// Credential is an explicitly scoped privilege-elevation secret. It lives only in memory and stops working once
// released.
type Credential struct {
	mu       sync.Mutex
	secret   []byte
	released bool
}

// AcquireCredential copies secret into a new Credential. The caller may wipe its own copy afterwards.
func AcquireCredential(secret []byte) (*Credential, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyCredential
	}
	c := &Credential{secret: make([]byte, len(secret))}
	copy(c.secret, secret)
	return c, nil
}

// Release zeroes the secret. Every later privileged call made with this credential fails.
func (c *Credential) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
	c.released = true
}

// Released reports whether Release has been called.
func (c *Credential) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// reveal returns a copy of the secret for a single invocation.
func (c *Credential) reveal() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrCredentialReleased
	}
	out := make([]byte, len(c.secret))
	copy(out, c.secret)
	return out, nil
}
