package middleware

import (
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-API-Key"

// APIKey accepts requests carrying a key whose bcrypt hash is listed in hashes,
// either in X-API-Key or as a bearer token. With no hashes configured it is a no-op,
// which config only permits in development.
func APIKey(hashes []string, logger *slog.Logger) fiber.Handler {
	if len(hashes) == 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	// verified keys are remembered by digest so bcrypt runs once per key
	var verified sync.Map

	return func(c *fiber.Ctx) error {
		key := c.Get(apiKeyHeader)
		if key == "" {
			authz := c.Get(fiber.HeaderAuthorization)
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				key = strings.TrimSpace(authz[len("Bearer "):])
			}
		}
		if key == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing api key")
		}

		digest := sha256.Sum256([]byte(key))
		if _, ok := verified.Load(digest); ok {
			return c.Next()
		}
		for _, h := range hashes {
			if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
				verified.Store(digest, struct{}{})
				return c.Next()
			}
		}

		requestID, _ := c.Locals(requestIDHeader).(string)
		logger.Warn("rejected api key", slog.String("path", c.Path()), slog.String("request_id", requestID))
		return fiber.NewError(http.StatusUnauthorized, "invalid api key")
	}
}

// HashAPIKey returns the bcrypt hash to place in API_KEY_HASHES.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
