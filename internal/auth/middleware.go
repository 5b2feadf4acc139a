package auth

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// NewAuthMiddleware guards admin routes. It accepts either a previously
// issued session cookie or basic auth against the operator credentials.
func NewAuthMiddleware(auther *Authenticator) echo.MiddlewareFunc {
	type authStrategy func(c echo.Context) (bool, error)
	strategies := []authStrategy{
		auther.authWithCookie,
		auther.authWithBasicAuth,
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, strategy := range strategies {
				ok, err := strategy(c)
				if err != nil {
					continue
				}

				if ok {
					return next(c)
				}
			}
			return echo.ErrUnauthorized
		}
	}
}

func (a Authenticator) authWithCookie(c echo.Context) (bool, error) {
	cookie, err := c.Cookie(cookieName)
	if err != nil || cookie == nil || cookie.Value == "" {
		return false, nil
	}

	claims, err := a.checkJWT(cookie.Value)
	if err != nil {
		return false, nil
	}

	// Sliding expiration: every authenticated request extends the session.
	refreshedCookie, err := a.generateCookie(claims.Subject)
	if err != nil {
		return false, fmt.Errorf("failed to generate cookie: %w", err)
	}
	c.SetCookie(refreshedCookie)

	return true, nil
}

func (a Authenticator) authWithBasicAuth(c echo.Context) (bool, error) {
	username, password, ok := c.Request().BasicAuth()
	if !ok {
		return false, nil
	}
	creds := Credentials{Username: username, Password: password}

	cookie, err := a.Authenticate(creds)
	if err != nil {
		return false, fmt.Errorf("failed to generate cookie: %w", err)
	}
	cookie.Secure = c.IsTLS()

	c.SetCookie(cookie)

	return ok, nil
}
