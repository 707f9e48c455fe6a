package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"gpunode/crypto"
	"gpunode/internal/ready"
)

// ErrNoCredentials is returned by Credentials.Get before a key is available.
var ErrNoCredentials = errors.New("config: signing key not available")

// PassphraseFunc supplies a keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// Credentials holds the node signing key. Components that need the key block
// in Wait until one of the configured sources delivers it.
type Credentials struct {
	slot *ready.Slot[*crypto.PrivateKey]
}

// NewCredentials returns an empty holder.
func NewCredentials() *Credentials {
	return &Credentials{slot: ready.NewSlot[*crypto.PrivateKey]("signing key")}
}

// LoadCredentials resolves the signing key from the normalised ethereum
// section. The inline key wins over a keystore. When the keystore passphrase
// cannot be resolved yet the holder is returned empty.
func LoadCredentials(e EthereumConfig, passphrase PassphraseFunc) (*Credentials, error) {
	creds := NewCredentials()
	if e.PrivKey != "" {
		if err := creds.SetHex(e.PrivKey); err != nil {
			return nil, err
		}
		return creds, nil
	}
	if e.Keystore == "" {
		return creds, nil
	}
	pass := ""
	if e.KeystorePassEnv != "" {
		pass = os.Getenv(e.KeystorePassEnv)
	}
	if pass == "" && passphrase != nil {
		var err error
		if pass, err = passphrase(); err != nil {
			return nil, fmt.Errorf("keystore passphrase: %w", err)
		}
	}
	if pass == "" {
		return creds, nil
	}
	key, err := crypto.LoadFromKeystore(e.Keystore, pass)
	if err != nil {
		return nil, err
	}
	creds.Set(key)
	return creds, nil
}

// Set publishes key and releases every waiter.
func (c *Credentials) Set(key *crypto.PrivateKey) {
	c.slot.Set(key)
}

// SetHex parses a hex encoded key, with or without 0x, and publishes it.
func (c *Credentials) SetHex(raw string) error {
	key, err := crypto.PrivateKeyFromHex(raw)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}
	c.Set(key)
	return nil
}

// Get returns the key or ErrNoCredentials.
func (c *Credentials) Get() (*crypto.PrivateKey, error) {
	key, ok := c.slot.Get()
	if !ok {
		return nil, ErrNoCredentials
	}
	return key, nil
}

// Wait blocks until a key is published or ctx is done.
func (c *Credentials) Wait(ctx context.Context) (*crypto.PrivateKey, error) {
	return c.slot.Wait(ctx)
}

// WatchFile waits until path contains a parseable key, then publishes it.
// Changes in the parent directory trigger a read; interval is the fallback
// poll period used when the directory cannot be watched. Unreadable or
// partially written files are logged and retried. It returns when the key is
// set or ctx is done.
func (c *Credentials) WatchFile(ctx context.Context, path string, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastErr := ""
	report := func(err error) {
		if msg := err.Error(); msg != lastErr {
			lastErr = msg
			logger.Warn("privkey_file not usable yet", "path", path, "error", err)
		}
	}
	for {
		if _, ok := c.slot.Get(); ok {
			return nil
		}
		contents, err := os.ReadFile(path)
		switch {
		case err == nil:
			if raw := strings.TrimSpace(string(contents)); raw != "" {
				err := c.SetHex(raw)
				if err == nil {
					return nil
				}
				report(err)
			}
		case !os.IsNotExist(err):
			report(fmt.Errorf("read privkey_file: %w", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}
