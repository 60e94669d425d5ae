package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger is gin's access log without query strings, which may carry
// websocket session tokens.
func Logger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(accessLine)
}

func accessLine(p gin.LogFormatterParams) string {
	path, _, _ := strings.Cut(p.Path, "?")
	return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %q\n%s",
		p.TimeStamp.Format("2006/01/02 - 15:04:05"),
		p.StatusCode,
		p.Latency.Round(time.Microsecond),
		p.ClientIP,
		p.Method,
		path,
		p.ErrorMessage,
	)
}
