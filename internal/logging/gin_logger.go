package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger logs HTTP requests through logrus in the gin default
// format. The proxy's HTTP surface is small (health, metrics, upgrades) so
// every request is logged.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start).Truncate(time.Millisecond)
		line := fmt.Sprintf("[GIN] %3d | %13v | %15s | %-7s %q",
			c.Writer.Status(), latency, c.ClientIP(), c.Request.Method, path)

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error(line)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn(line)
		default:
			log.Debug(line)
		}
	}
}

// GinRecovery recovers panics in handlers, logging the stack and answering
// with a 500 unless a response was already written.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic in %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, r, debug.Stack())
				if !c.Writer.Written() {
					c.AbortWithStatus(http.StatusInternalServerError)
				}
			}
		}()
		c.Next()
	}
}
