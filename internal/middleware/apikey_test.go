package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatbank/chatbank/internal/logging"
)

func apiKeyApp(t *testing.T, hashes []string) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(APIKey(hashes, logging.Discard()))
	app.Get("/secret", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	app := apiKeyApp(t, []string{"$2a$04$not-a-real-hash", string(hash)})

	cases := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"wrong key", apiKeyHeader, "nope", fiber.StatusUnauthorized},
		{"header", apiKeyHeader, "s3cret", fiber.StatusOK},
		{"header cached", apiKeyHeader, "s3cret", fiber.StatusOK},
		{"bearer", fiber.HeaderAuthorization, "Bearer s3cret", fiber.StatusOK},
		{"bearer wrong", fiber.HeaderAuthorization, "Bearer other", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/secret", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAPIKeyDisabledWithoutHashes(t *testing.T) {
	app := apiKeyApp(t, nil)
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/secret", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k1")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("k1")))
}
