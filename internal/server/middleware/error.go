package middleware

import (
	"errors"
	"net/http"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler turns errors attached by handlers into RFC 9457 problem
// responses. Routing errors carry their own status mapping; anything else is
// a 500.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var problem *domain.Problem
		if errors.As(err, &problem) {
			if problem.Log != nil {
				logger.Error("request failed", zap.Error(problem.Log))
			}
			// RFC 9457 dictates the json is at the root
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		var rerr *domain.RoutingError
		if errors.As(err, &rerr) {
			status := rerr.HTTPStatus()
			if status >= 500 {
				logger.Error("routing failed", zap.Error(rerr))
			}
			p := domain.NewProblem(status, routingTitle(rerr.Kind), rerr.Message,
				domain.WithExtension("kind", string(rerr.Kind)),
				domain.WithExtension("provider", rerr.Provider),
			)
			c.JSON(status, p)
			c.Abort()
			return
		}

		logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, domain.NewProblem(
			http.StatusInternalServerError,
			"Internal Server Error",
			"An unexpected error occurred.",
		))
		c.Abort()
	}
}

func routingTitle(kind domain.RoutingErrorKind) string {
	switch kind {
	case domain.KindProviderUnavailable:
		return "Provider Unavailable"
	case domain.KindPoolExhausted:
		return "Pool Exhausted"
	case domain.KindAuthRequired:
		return "Provider Authentication Required"
	case domain.KindRateLimited:
		return "Rate Limited"
	case domain.KindTimeout:
		return "Upstream Timeout"
	default:
		return "Upstream Error"
	}
}
