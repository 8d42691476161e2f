package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

type brokenStorage struct{ getErr, setErr error }

func (b brokenStorage) Get(string) (string, error) { return "", b.getErr }
func (b brokenStorage) Set(string, string) error   { return b.setErr }

func TestResumeOrCreateIsStable(t *testing.T) {
	storage := NewMemoryStorage(nil)
	m := NewManager(storage, logger.Discard())

	first := m.ResumeOrCreate()
	second := m.ResumeOrCreate()
	assert.Equal(t, first, second)
	assert.True(t, ValidToken(first), first)

	reloaded := NewManager(storage, logger.Discard())
	assert.Equal(t, first, reloaded.ResumeOrCreate())
}

func TestResumeOrCreateAfterClearedStorage(t *testing.T) {
	storage := NewMemoryStorage(nil)
	first := NewManager(storage, logger.Discard()).ResumeOrCreate()

	storage.Clear()
	second := NewManager(storage, logger.Discard()).ResumeOrCreate()
	assert.NotEqual(t, first, second)
}

func TestResumeOrCreateFallsBackToEphemeral(t *testing.T) {
	m := NewManager(brokenStorage{getErr: errors.New("blocked")}, logger.Discard())
	first := m.ResumeOrCreate()
	assert.True(t, ValidToken(first))
	assert.Equal(t, first, m.ResumeOrCreate())

	other := NewManager(brokenStorage{getErr: errors.New("blocked")}, logger.Discard())
	assert.NotEqual(t, first, other.ResumeOrCreate())

	writeFails := NewManager(brokenStorage{getErr: ErrNotFound, setErr: errors.New("quota")}, logger.Discard())
	token := writeFails.ResumeOrCreate()
	assert.Equal(t, token, writeFails.ResumeOrCreate())
}

func TestNewTokenShape(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewToken(now)
	b := NewToken(now)
	assert.NotEqual(t, a, b)
	assert.True(t, ValidToken(a))
	assert.False(t, ValidToken("session_zz"))
	assert.False(t, ValidToken("other_1_0123456789abcdef"))
	assert.False(t, ValidToken("session_1_0123456789abcdeX"))
}

func TestFileStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profile")
	storage := FileStorage{Dir: dir}

	_, err := storage.Get(StorageKey)
	assert.ErrorIs(t, err, ErrNotFound)

	token := NewManager(storage, logger.Discard()).ResumeOrCreate()
	data, err := os.ReadFile(filepath.Join(dir, StorageKey))
	require.NoError(t, err)
	assert.Contains(t, string(data), token)

	assert.Equal(t, token, NewManager(storage, logger.Discard()).ResumeOrCreate())
	assert.Error(t, storage.Set("../escape", "x"))
}

func TestCookieStorage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	header := http.Header{}
	m := NewManager(CookieStorage{Request: req, Header: header}, logger.Discard())

	token := m.ResumeOrCreate()
	resp := http.Response{Header: header}
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, StorageKey, cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: StorageKey, Value: token})
	resumed := NewManager(CookieStorage{Request: next, Header: http.Header{}}, logger.Discard())
	assert.Equal(t, token, resumed.ResumeOrCreate())

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: StorageKey, Value: "'; drop table"})
	fresh := NewManager(CookieStorage{Request: forged, Header: http.Header{}}, logger.Discard())
	assert.NotEqual(t, "'; drop table", fresh.ResumeOrCreate())
}
