package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewCreatesDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTokens(&TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IDToken:      "id-1",
		TokenExpiry:  "2026-08-31T12:00:00Z",
	}))

	rec, err := s.LoadTokens()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "access-1", rec.AccessToken)
	assert.Equal(t, "refresh-1", rec.RefreshToken)
	assert.Equal(t, "id-1", rec.IDToken)
	assert.Equal(t, "2026-08-31T12:00:00Z", rec.TokenExpiry)
	assert.NotEmpty(t, rec.UpdatedAt, "saving stamps the record")
}

func TestLoadTokensAbsent(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.LoadTokens()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLoadTokensMalformedIsAbsent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTokens(&TokenRecord{AccessToken: "access-1"}))

	db, err := bolt.Open(s.path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).Put([]byte(tokenKey), []byte("not json"))
	}))
	require.NoError(t, db.Close())

	rec, err := s.LoadTokens()
	require.NoError(t, err)
	assert.Nil(t, rec, "a corrupt record must not block startup")
}

func TestClearTokens(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTokens(&TokenRecord{AccessToken: "access-1"}))
	require.NoError(t, s.ClearTokens())

	rec, err := s.LoadTokens()
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Clearing an already empty store is fine.
	assert.NoError(t, s.ClearTokens())
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	value, err := s.GetSetting(SettingAppVersion)
	require.NoError(t, err)
	assert.Empty(t, value, "unset keys read as empty")

	require.NoError(t, s.SetSetting(SettingAppVersion, "ANDROID-4.35.0"))
	value, err = s.GetSetting(SettingAppVersion)
	require.NoError(t, err)
	assert.Equal(t, "ANDROID-4.35.0", value)

	require.NoError(t, s.SetSetting(SettingAppVersion, "ANDROID-4.36.0"))
	value, err = s.GetSetting(SettingAppVersion)
	require.NoError(t, err)
	assert.Equal(t, "ANDROID-4.36.0", value)
}

func TestGetIntSetting(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, 60, s.GetIntSetting(SettingPollInterval, 60), "fallback when unset")

	require.NoError(t, s.SetSetting(SettingPollInterval, "120"))
	assert.Equal(t, 120, s.GetIntSetting(SettingPollInterval, 60))

	require.NoError(t, s.SetSetting(SettingPollInterval, "not-a-number"))
	assert.Equal(t, 60, s.GetIntSetting(SettingPollInterval, 60), "fallback on garbage")
}

func TestSocketStatusesReplacePreviousSnapshot(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSocketStatuses(map[int]SocketSnapshot{
		111: {CuprID: 123, CuprName: "Plaza Mayor", SocketCode: "A1", Status: "AVAILABLE"},
		112: {CuprID: 123, CuprName: "Plaza Mayor", SocketCode: "A2", Status: "OCCUPIED"},
	}))

	loaded, err := s.LoadSocketStatuses()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "AVAILABLE", loaded[111].Status)
	assert.Equal(t, "OCCUPIED", loaded[112].Status)

	// A new scan fully replaces the old one, dropping vanished sockets.
	require.NoError(t, s.SaveSocketStatuses(map[int]SocketSnapshot{
		111: {CuprID: 123, CuprName: "Plaza Mayor", SocketCode: "A1", Status: "RESERVED"},
	}))
	loaded, err = s.LoadSocketStatuses()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "RESERVED", loaded[111].Status)
}

func TestLoadSocketStatusesEmpty(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadSocketStatuses()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestTokenRecordJSONShape(t *testing.T) {
	enc, err := json.Marshal(&TokenRecord{AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"a","refresh_token":"r","id_token":"","updated_at":""}`, string(enc))
}
