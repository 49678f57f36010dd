package middleware

import (
	stderrors "errors"
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Domain errors are mapped to their HTTP shape first.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = FromDomainError(err)
		}

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
		} else {
			logger.Infow("request rejected",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// FromDomainError maps a domain sentinel to the HTTP error returned for it.
// Unknown errors become a 500 without leaking their text.
func FromDomainError(err error) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, domain.ErrValidation):
		appErr = errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, domain.ErrGrantNotFound):
		appErr = errors.NewNotFoundError("grant")
	case stderrors.Is(err, domain.ErrSourceNotFound):
		appErr = errors.NewNotFoundError("source")
	case stderrors.Is(err, domain.ErrRequestNotFound):
		appErr = errors.NewNotFoundError("recording request")
	case stderrors.Is(err, domain.ErrGrantExpired):
		appErr = errors.NewExpiredError("grant expired")
	case stderrors.Is(err, domain.ErrGrantRevoked):
		appErr = errors.NewRevokedError("grant revoked")
	case stderrors.Is(err, domain.ErrForbiddenSource):
		appErr = errors.NewForbiddenSourceError("source not allowed by grant")
	case stderrors.Is(err, domain.ErrForbidden):
		appErr = errors.NewForbiddenError("forbidden")
	case stderrors.Is(err, domain.ErrCapacityReached):
		appErr = errors.NewCapacityError("viewer limit reached")
	case stderrors.Is(err, domain.ErrUpstreamUnavailable):
		appErr = errors.NewUpstreamUnavailableError("camera unavailable")
	case stderrors.Is(err, domain.ErrStore):
		appErr = errors.NewServiceUnavailableError("grant store unavailable")
	default:
		appErr = errors.NewInternalError("internal server error")
	}
	return appErr.WithCause(err)
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				appErr := errors.NewInternalError("internal server error")
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
				})
			}
		}()

		c.Next()
	}
}
