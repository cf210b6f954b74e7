package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DecompressRequests inflates gzip request bodies with echo's Decompress
// middleware and answers 400 when the gzip header cannot be read. Size limits
// registered on the routes apply to the inflated body.
func DecompressRequests() echo.MiddlewareFunc {
	decompress := middleware.Decompress()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := decompress(next)
		return func(c echo.Context) error {
			err := h(c)
			if err != nil && !c.Response().Committed && invalidGzip(err) {
				return c.String(http.StatusBadRequest, "invalid gzip body")
			}
			return err
		}
	}
}

func invalidGzip(err error) bool {
	return errors.Is(err, gzip.ErrHeader) || errors.Is(err, io.ErrUnexpectedEOF)
}
