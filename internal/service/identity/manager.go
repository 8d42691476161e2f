package identity

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StorageKey 是会话令牌在客户端存储中的固定键。
const StorageKey = "chat_session_id"

// ErrNotFound is returned by a Storage when the key has never been written.
var ErrNotFound = errors.New("identity: key not found")

// Storage is the client-local durable key/value store holding the token.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Manager resolves the visitor's session token, creating it on first use.
type Manager struct {
	storage Storage
	logger  logrus.FieldLogger
	now     func() time.Time

	mu        sync.Mutex
	ephemeral string
}

// NewManager binds a manager to storage.
func NewManager(storage Storage, logger logrus.FieldLogger) *Manager {
	return &Manager{
		storage: storage,
		logger:  logger.WithField("component", "identity"),
		now:     time.Now,
	}
}

// ResumeOrCreate returns the stored token or generates and stores a new one.
// When the storage is unusable the token lives only as long as the manager.
func (m *Manager) ResumeOrCreate() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ephemeral != "" {
		return m.ephemeral
	}

	token, err := m.storage.Get(StorageKey)
	if err == nil && token != "" {
		return token
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.WithError(err).Warn("session storage unavailable, using ephemeral session")
		m.ephemeral = NewToken(m.now())
		return m.ephemeral
	}

	token = NewToken(m.now())
	if err := m.storage.Set(StorageKey, token); err != nil {
		m.logger.WithError(err).Warn("failed to persist session token, using ephemeral session")
		m.ephemeral = token
	}
	return token
}

// NewToken combines a millisecond timestamp with 64 random bits.
func NewToken(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "session_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + random[:16]
}

// ValidToken reports whether raw looks like a token produced by NewToken.
func ValidToken(raw string) bool {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 || parts[0] != "session" {
		return false
	}
	if _, err := strconv.ParseInt(parts[1], 36, 64); err != nil {
		return false
	}
	if len(parts[2]) != 16 {
		return false
	}
	for _, r := range parts[2] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
