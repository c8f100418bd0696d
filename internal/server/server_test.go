package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/chatbank/internal/config"
	"github.com/chatbank/chatbank/internal/ledger"
	"github.com/chatbank/chatbank/internal/logging"
	"github.com/chatbank/chatbank/internal/money"
)

func decode(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestNewServesLedgerWithJSONErrors(t *testing.T) {
	cfg := config.Config{
		AppName:         "ChatBank",
		AppEnv:          "development",
		StoreDriver:     config.StoreMemory,
		MaxAmount:       money.NewFromInt(100),
		HistoryLimit:    20,
		MaxHistoryLimit: 20,
	}
	srv, err := New(cfg, ledger.NewMemoryStore(time.Second), nil, logging.Discard())
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/accounts/ghost", nil)
	req.Header.Set("X-Request-ID", "trace-7")
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	body := decode(t, resp.Body)
	assert.Equal(t, "account not found", body["error"])
	assert.Equal(t, "trace-7", body["request_id"])

	resp, err = srv.app.Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestErrorHandlerHidesUnknownErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("pq: connection refused") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", decode(t, resp.Body)["error"])
}
