package identity

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps values in a map. Seed it to pin a known token.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns a storage preloaded with seed.
func NewMemoryStorage(seed map[string]string) *MemoryStorage {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryStorage{values: values}
}

func (s *MemoryStorage) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Clear drops every stored value.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
}

// FileStorage stores one file per key under Dir, like a browser profile.
type FileStorage struct {
	Dir string
}

func (s FileStorage) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.Dir, key), nil
}

func (s FileStorage) Get(key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s FileStorage) Set(key, value string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", s.Dir, err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CookieMaxAge keeps the visitor cookie for a year.
const CookieMaxAge = 365 * 24 * time.Hour

// CookieStorage reads tokens from request cookies and writes Set-Cookie
// headers into Header. Header may be a ResponseWriter's header or the
// response header handed to a WebSocket upgrade.
type CookieStorage struct {
	Request *http.Request
	Header  http.Header
	Secure  bool
}

func (s CookieStorage) Get(key string) (string, error) {
	cookie, err := s.Request.Cookie(key)
	if errors.Is(err, http.ErrNoCookie) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !ValidToken(cookie.Value) {
		return "", ErrNotFound
	}
	return cookie.Value, nil
}

func (s CookieStorage) Set(key, value string) error {
	if s.Header == nil {
		return errors.New("cookie storage has no response header")
	}
	cookie := &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		MaxAge:   int(CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	s.Header.Add("Set-Cookie", cookie.String())
	return nil
}
