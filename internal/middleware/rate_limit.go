package middleware

import (
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:account:"

var rateLimitNow = time.Now

// AccountRateLimit caps balance mutations per account (route param userId, or the
// client IP when absent) in fixed one-minute windows kept in Redis.
func AccountRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
    if maxPerMin <= 0 {
        maxPerMin = 60
    }
    return func(c *fiber.Ctx) error {
        if cache == nil {
            return c.Next() // no-op without Redis
        }
        subject := strings.TrimSpace(c.Params("userId"))
        if subject == "" {
            subject = c.IP()
        }
        now := rateLimitNow().UTC()
        window := now.Truncate(time.Minute).Unix()
        key := rateLimitPrefix + subject + ":" + strconv.FormatInt(window, 10)

        pipe := cache.TxPipeline()
        incr := pipe.Incr(c.UserContext(), key)
        pipe.Expire(c.UserContext(), key, 2*time.Minute)
        if _, err := pipe.Exec(c.UserContext()); err != nil {
            logger.Warn("rate limit counter unavailable", slog.String("subject", subject), slog.Any("error", err))
            return c.Next() // fail-open on cache errors
        }
        if incr.Val() > int64(maxPerMin) {
            c.Set(fiber.HeaderRetryAfter, strconv.Itoa(60-now.Second()))
            return fiber.NewError(http.StatusTooManyRequests, "too many requests for this account, try again later")
        }
        return c.Next()
    }
}
