package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sbswitch/sbswitch/internal/logging"
)

// ActionKey is the gin context key under which handlers store the command
// action a request ran.
const ActionKey = "sbswitch.action"

// unmatchedEndpoint labels requests that hit no route, so probing clients
// cannot grow the label set.
const unmatchedEndpoint = "unmatched"

// Command results.
const (
	CommandOK       = "ok"
	CommandRejected = "rejected"
	CommandFailed   = "failed"
)

// Middleware records HTTP metrics for each request, plus the command result
// when a handler set ActionKey.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start).Seconds()
		code := c.Writer.Status()
		status := strconv.Itoa(code)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = unmatchedEndpoint
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)
		if code >= http.StatusInternalServerError {
			m.RecordError("server", endpoint, c.Request.Method)
		}

		action := c.GetString(ActionKey)
		if action != "" {
			m.RecordCommand(action, commandResult(code))
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"endpoint", endpoint,
				"action", action,
				"status", code,
				"error", c.Errors.String(),
			)
		}
	}
}

func commandResult(code int) string {
	switch {
	case code >= http.StatusInternalServerError:
		return CommandFailed
	case code >= http.StatusBadRequest:
		return CommandRejected
	}
	return CommandOK
}
