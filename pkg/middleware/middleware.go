package middleware

import (
	"net/http"

	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/Astemirdum/lending-service/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// AuthContext trusts the identity headers set upstream and puts
// (userName, role) into the request context.
func AuthContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		userName := req.Header.Get(auth.XUserNameHeader)
		if userName == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "user-name is empty")
		}
		userRole := req.Header.Get(auth.XUserRoleHeader)
		if userRole == "" {
			userRole = string(auth.RoleMember)
		}
		ctx := auth.SetAuthContext(req.Context(), userName, userRole)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func NewRateLimiter(rps rate.Limit) echo.MiddlewareFunc {
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rps))
}

func RequestLoggerConfig() middleware.RequestLoggerConfig {
	cfg := logger.Log{LogLevel: zapcore.DebugLevel, Sink: ""}
	log := logger.NewLogger(cfg, "echo")
	c := middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		HandleError:  true,
		LogError:     true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := zapcore.InfoLevel
			if v.Error != nil {
				level = zapcore.ErrorLevel
			}
			log.Log(level, "request",
				zap.String("URI", v.URI),
				zap.String("Method", v.Method),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}
	return c
}
