package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dunamismax/florique/internal/logging"
	"github.com/dunamismax/florique/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectConfiguration = `SELECT config_value, is_encrypted`
	upsertConfiguration = `INSERT INTO configurations`
)

func newSettingsEnv(t *testing.T, cipher *settings.Cipher) (*testEnv, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := settings.NewDBProvider(db, cipher, time.Minute, logging.Nop())
	return newTestEnv(t, Options{Settings: provider}), mock
}

func configRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"config_value", "is_encrypted"})
}

func TestGetConfiguration(t *testing.T) {
	env, mock := newSettingsEnv(t, nil)
	mock.ExpectQuery(selectConfiguration).WithArgs("PUSH_GATEWAY_URL").
		WillReturnRows(configRows().AddRow("https://push.example", false))
	mock.ExpectQuery(selectConfiguration).WithArgs("FLORIQUE_UNSET_KEY").
		WillReturnRows(configRows())

	code, resp, _ := env.do(t, http.MethodGet, "/api/configurations/PUSH_GATEWAY_URL", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"key":"PUSH_GATEWAY_URL","value":"https://push.example"}`, string(resp.Data))

	code, resp, _ = env.do(t, http.MethodGet, "/api/configurations/FLORIQUE_UNSET_KEY", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Configuration 'FLORIQUE_UNSET_KEY' not found", resp.Message)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConfigurationThenClearCache(t *testing.T) {
	env, mock := newSettingsEnv(t, nil)
	mock.ExpectExec(upsertConfiguration).WithArgs("THEME", "dark", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectConfiguration).WithArgs("THEME").
		WillReturnRows(configRows().AddRow("light", false))

	code, resp, _ := env.do(t, http.MethodPut, "/api/configurations/THEME",
		map[string]any{"value": "dark", "isEncrypted": false}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Configuration updated successfully", resp.Message)
	assert.JSONEq(t, `{"key":"THEME"}`, string(resp.Data))

	// Served from the cache, no query.
	_, resp, _ = env.do(t, http.MethodGet, "/api/configurations/THEME", nil, nil)
	assertConfigValue(t, resp, "dark")

	code, resp, _ = env.do(t, http.MethodPost, "/api/configurations/clear-cache", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Configuration cache cleared successfully", resp.Message)

	_, resp, _ = env.do(t, http.MethodGet, "/api/configurations/THEME", nil, nil)
	assertConfigValue(t, resp, "light")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEncryptedConfiguration(t *testing.T) {
	cipher, err := settings.NewCipher("passphrase")
	require.NoError(t, err)
	env, mock := newSettingsEnv(t, cipher)
	mock.ExpectExec(upsertConfiguration).WithArgs("PUSH_SERVER_KEY", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	code, _, _ := env.do(t, http.MethodPut, "/api/configurations/PUSH_SERVER_KEY",
		map[string]any{"value": "secret", "isEncrypted": true}, nil)
	require.Equal(t, http.StatusOK, code)

	_, resp, _ := env.do(t, http.MethodGet, "/api/configurations/PUSH_SERVER_KEY", nil, nil)
	assertConfigValue(t, resp, "secret")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConfigurationFailures(t *testing.T) {
	env, mock := newSettingsEnv(t, nil)
	mock.ExpectExec(upsertConfiguration).WithArgs("THEME", "dark", false).
		WillReturnError(sql.ErrConnDone)

	code, resp, _ := env.do(t, http.MethodPut, "/api/configurations/THEME",
		map[string]any{"value": "dark"}, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Error updating configuration", resp.Message)

	// Encryption without a key never reaches the database.
	code, _, _ = env.do(t, http.MethodPut, "/api/configurations/THEME",
		map[string]any{"value": "dark", "isEncrypted": true}, nil)
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _, _ = env.do(t, http.MethodPut, "/api/configurations/THEME",
		map[string]any{"value": "dark", "extra": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigurationRoutesWithoutStore(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, _, _ := env.do(t, http.MethodGet, "/api/configurations/THEME", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _, _ = env.do(t, http.MethodPost, "/api/configurations/clear-cache", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func assertConfigValue(t *testing.T, resp response, want string) {
	t.Helper()
	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, want, data["value"])
}
