package cors

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	allowedMethods = "GET, POST, PUT, PATCH, OPTIONS"
	allowedHeaders = "Authorization, Content-Type, X-Request-ID"
	exposedHeaders = "X-Request-ID"
	defaultMaxAge  = 10 * time.Minute
)

// Policy describes which browser origins may call the API. An empty
// AllowedOrigins list admits any origin without credentials.
type Policy struct {
	AllowedOrigins []string
	MaxAge         time.Duration
}

// New returns a CORS middleware for the given origins using the default preflight cache.
func New(allowedOrigins []string) gin.HandlerFunc {
	return WithPolicy(Policy{AllowedOrigins: allowedOrigins})
}

// WithPolicy returns a CORS middleware enforcing p. Preflight requests from
// unknown origins are refused with 403 so misconfigured front ends fail loudly.
func WithPolicy(p Policy) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(p.AllowedOrigins))
	for _, origin := range p.AllowedOrigins {
		origin = normalize(origin)
		if origin != "" {
			origins[origin] = struct{}{}
		}
	}
	allowAll := len(origins) == 0
	if _, ok := origins["*"]; ok {
		allowAll = true
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	maxAgeSeconds := strconv.Itoa(int(maxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if origin == "" {
			c.Next()
			return
		}

		_, known := origins[normalize(origin)]
		switch {
		case known:
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
		case allowAll:
			header.Set("Access-Control-Allow-Origin", "*")
		default:
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}
		header.Set("Access-Control-Expose-Headers", exposedHeaders)

		if preflight {
			header.Set("Access-Control-Allow-Methods", allowedMethods)
			header.Set("Access-Control-Allow-Headers", allowedHeaders)
			header.Set("Access-Control-Max-Age", maxAgeSeconds)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func normalize(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
