package validation

import (
	"net/http"
	"strings"

	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limits for incoming requests
const (
	MaxBodySize    = 1024 * 1024 // 1MB
	MaxParamLength = 128
)

// RequestGuardMiddleware rejects requests before they reach a handler: oversized or
// non-JSON bodies, and path parameters that are too long or carry markup. Rejections
// are written as RFC 7807 problem details.
func RequestGuardMiddleware(logger *zap.Logger) gin.HandlerFunc {
	validator := NewValidator(logger)

	return func(c *gin.Context) {
		if err := validatePathParams(validator, c); err != nil {
			reject(c, logger, err)
			return
		}

		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			if c.Request.ContentLength > MaxBodySize {
				reject(c, logger, errors.Invalid.Explain("request body exceeds %d bytes", MaxBodySize).
					WithField("max", "body", "request body is too large"))
				return
			}
			if !isAllowedContentType(c.ContentType()) {
				reject(c, logger, errors.Invalid.Explain("unsupported content type %q", c.ContentType()).
					WithField("content_type", "Content-Type", "must be application/json"))
				return
			}
			// Chunked bodies have no length up front.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
		}

		c.Next()
	}
}

func validatePathParams(validator *Validator, c *gin.Context) error {
	var err *errors.Error
	for _, p := range c.Params {
		switch {
		case len(p.Value) > MaxParamLength:
			if err == nil {
				err = errors.Invalid.Explain("invalid path parameters")
			}
			err = err.WithField("max", p.Key, "path parameter is too long")
		case validator.SanitizeInput(p.Value) != p.Value:
			if err == nil {
				err = errors.Invalid.Explain("invalid path parameters")
			}
			err = err.WithField("no_markup", p.Key, "path parameter must not contain markup")
		}
	}
	if err == nil {
		return nil
	}
	return err
}

func isAllowedContentType(contentType string) bool {
	return strings.EqualFold(contentType, "application/json")
}

func reject(c *gin.Context, logger *zap.Logger, err error) {
	pd := errors.ToProblemDetails(err, c.Request.URL.Path)
	logger.Debug("Request rejected by guard", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(pd.Status, pd)
}
