package api

import (
	"strings"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return s.fail(c, apperrors.Newf(apperrors.ErrUnauthorized, "missing authorization header"))
		}

		userID, err := s.verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return s.fail(c, err)
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// upgradeMiddleware authenticates WebSocket upgrades. Browsers cannot set
// headers on the handshake, so the token may also come as ?token=.
func (s *Server) upgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		tokenString := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		userID, err := s.verify(tokenString)
		if err != nil {
			return s.fail(c, err)
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// verify checks an HS256 token and returns its subject as the user id
func (s *Server) verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", apperrors.Newf(apperrors.ErrUnauthorized, "missing token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.Security.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", apperrors.Newf(apperrors.ErrUnauthorized, "invalid token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", apperrors.Newf(apperrors.ErrUnauthorized, "token has no subject")
	}
	return sub, nil
}

func (s *Server) metricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		s.metrics.RecordRequest(c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}
