package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/nfabilling/api/pkg/response"
)

// HeaderAPIKey carries the shared secret on every authenticated request.
const HeaderAPIKey = "X-API-Key"

type AuthMiddleware struct {
	apiKey string
}

func NewAuthMiddleware(apiKey string) *AuthMiddleware {
	return &AuthMiddleware{apiKey: apiKey}
}

// Authenticate gates requests on the shared API key. An empty configured key
// disables the gate, for local runs and tests.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.apiKey == "" {
			return c.Next()
		}
		key := c.Get(HeaderAPIKey)
		if key == "" {
			return response.Unauthorized(c, "Missing API key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.apiKey)) != 1 {
			return response.Unauthorized(c, "Invalid API key")
		}
		return c.Next()
	}
}
