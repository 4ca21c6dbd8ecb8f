// Package credential keeps backend and channel secrets in the OS keyring so
// they need not sit in the config file.
package credential

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"deptnotify/internal/config"
)

const defaultService = "deptnotify"

// EnvFilePassword unlocks the encrypted file backend.
const EnvFilePassword = "DEPTNOTIFY_KEYRING_PASSWORD"

// Keys under which secrets are stored.
const (
	KeyBackendAPIKey     = "backend.api_key"
	KeyBackendServiceKey = "backend.service_key"
	KeyAdminJWTSecret    = "admin.jwt_secret"
	KeyTelegramToken     = "push.telegram.token"
	KeyTelegramChats     = "push.telegram.chats"
)

// Store reads and writes secrets in one keyring service.
type Store struct {
	ring keyring.Keyring
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store { return &Store{ring: ring} }

// Open opens the keyring described by cfg.
func Open(cfg config.KeyringConfig) (*Store, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = defaultService
	}
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if len(cfg.Backends) > 0 {
		backends = backends[:0]
		for _, b := range cfg.Backends {
			backends = append(backends, keyring.BackendType(strings.TrimSpace(b)))
		}
	}
	dir := strings.TrimSpace(cfg.FileDir)
	if dir == "" {
		dir = "~/.config/" + service + "/credentials"
	}
	pw := os.Getenv(EnvFilePassword)
	if pw == "" {
		pw = service + "-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(pw),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// Get returns the secret under key. A missing key is ("", nil).
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(key, value string) error {
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Resolve fills secrets that are still empty in cfg from the keyring.
// Values already set by the config file or the environment win.
func (s *Store) Resolve(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	var errs []error
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		v, err := s.Get(key)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	fill(&cfg.Backend.APIKey, KeyBackendAPIKey)
	fill(&cfg.Backend.ServiceKey, KeyBackendServiceKey)
	fill(&cfg.Admin.JWTSecret, KeyAdminJWTSecret)
	fill(&cfg.Push.Telegram.Token, KeyTelegramToken)

	if len(cfg.Push.Telegram.Chats) == 0 {
		v, err := s.Get(KeyTelegramChats)
		switch {
		case err != nil:
			errs = append(errs, err)
		case v != "":
			chats, perr := config.ParseChats(v)
			if perr != nil {
				errs = append(errs, fmt.Errorf("credential %q: %w", KeyTelegramChats, perr))
			} else if len(chats) > 0 {
				cfg.Push.Telegram.Chats = chats
			}
		}
	}
	return errors.Join(errs...)
}

// Resolver returns a config hook that fills secrets from the keyring the
// config names. The keyring is reopened only when its settings change.
// open is usually Open.
func Resolver(open func(config.KeyringConfig) (*Store, error)) func(*config.Config) error {
	var (
		mu   sync.Mutex
		last config.KeyringConfig
		st   *Store
	)
	return func(cfg *config.Config) error {
		if cfg == nil || !cfg.Secrets.Keyring.Enabled {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		kc := cfg.Secrets.Keyring
		if st == nil || !reflect.DeepEqual(kc, last) {
			s, err := open(kc)
			if err != nil {
				return err
			}
			st, last = s, kc
		}
		return st.Resolve(cfg)
	}
}
