package api

import echo "github.com/labstack/echo/v5"

// absoluteURL turns a path-relative reference into an absolute URL using the
// incoming request's scheme and host, per the REST surface's contract that
// every download URL in a response body is resolvable on its own.
func absoluteURL(c *echo.Context, relPath string) string {
	return c.Scheme() + "://" + c.Request().Host + relPath
}
