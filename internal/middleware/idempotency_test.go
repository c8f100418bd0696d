package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chatbank/chatbank/internal/logging"
)

func setupTestApp(t *testing.T, required bool) (*fiber.App, *int32, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	logger := logging.Discard()
	var calls int32
	app.Use(Idempotency(cache, IdempotencyConfig{TTL: time.Minute, Required: required}, logger))
	app.Post("/accounts/:userId/deposit", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"user": c.Params("userId"), "call": n})
	})
	app.Post("/accounts/:userId/withdraw", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return fiber.NewError(fiber.StatusUnprocessableEntity, "insufficient funds")
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, &calls, cleanup
}

func send(t *testing.T, app *fiber.App, path, key, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode, string(payload), resp.Header.Get("Idempotent-Replayed")
}

func TestIdempotencyRequiresHeaderWhenConfigured(t *testing.T) {
	app, _, cleanup := setupTestApp(t, true)
	defer cleanup()

	status, _, _ := send(t, app, "/accounts/u1/deposit", "", `{"amount":"1"}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyOptionalHeaderPassesThrough(t *testing.T) {
	app, calls, cleanup := setupTestApp(t, false)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status, _, _ := send(t, app, "/accounts/u1/deposit", "", `{"amount":"1"}`); status != fiber.StatusOK {
			t.Fatalf("expected %d got %d", fiber.StatusOK, status)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected handler to run twice, ran %d times", got)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, cleanup := setupTestApp(t, true)
	defer cleanup()

	status, payload, replayed := send(t, app, "/accounts/u1/deposit", "abc123", `{"amount":"1"}`)
	if status != fiber.StatusOK || replayed != "" {
		t.Fatalf("first request: status %d replayed %q", status, replayed)
	}

	// Second request should return the cached response without invoking handler again.
	status2, cachedPayload, replayed2 := send(t, app, "/accounts/u1/deposit", "abc123", `{"amount":"1"}`)
	if status2 != fiber.StatusOK {
		t.Fatalf("expected cached status %d got %d", fiber.StatusOK, status2)
	}
	if replayed2 != "true" {
		t.Fatalf("expected replay marker")
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected handler to run once, ran %d times", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyRejectsKeyReuseForDifferentRequest(t *testing.T) {
	app, calls, cleanup := setupTestApp(t, true)
	defer cleanup()

	if status, _, _ := send(t, app, "/accounts/u1/deposit", "k1", `{"amount":"1"}`); status != fiber.StatusOK {
		t.Fatalf("first request: %d", status)
	}
	if status, _, _ := send(t, app, "/accounts/u1/deposit", "k1", `{"amount":"2"}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("different body: expected %d got %d", fiber.StatusUnprocessableEntity, status)
	}
	if status, _, _ := send(t, app, "/accounts/u2/deposit", "k1", `{"amount":"1"}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("different account: expected %d got %d", fiber.StatusUnprocessableEntity, status)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected handler to run once, ran %d times", got)
	}
}

func TestIdempotencyDoesNotStoreFailures(t *testing.T) {
	app, calls, cleanup := setupTestApp(t, true)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status, _, _ := send(t, app, "/accounts/u1/withdraw", "w1", `{"amount":"500"}`); status != fiber.StatusUnprocessableEntity {
			t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, status)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("failed requests must be retried, handler ran %d times", got)
	}
}
