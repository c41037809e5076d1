// Package api provides API version negotiation for the risk service.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAPIVersion carries the API version on requests and responses
const HeaderAPIVersion = "X-API-Version"

// CurrentVersion is the API version this service speaks
const CurrentVersion = "1.0"

// supportedVersions accepts both "1" and "1.0" spellings
var supportedVersions = []string{"1.0", "1"}

// VersionMiddleware stamps every response with X-API-Version and rejects
// requests that pin a version this service does not speak.
func VersionMiddleware(version string, supported []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(HeaderAPIVersion, version)

		requested := c.GetHeader(HeaderAPIVersion)
		if requested == "" {
			c.Set("api_version", version)
			c.Next()
			return
		}

		if !isSupported(requested, supported) {
			c.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{
				"error":              "unsupported_api_version",
				"supported_versions": supported,
			})
			return
		}

		c.Set("api_version", requested)
		c.Next()
	}
}

// StandardVersionMiddleware negotiates the stable v1 API.
func StandardVersionMiddleware() gin.HandlerFunc {
	return VersionMiddleware(CurrentVersion, supportedVersions)
}

// Version reports the negotiated API version for the request.
func Version(c *gin.Context) string {
	if v, ok := c.Get("api_version"); ok {
		if version, ok := v.(string); ok {
			return version
		}
	}
	return CurrentVersion
}

// isSupported matches exact versions and major-version shorthand, so a
// client pinning "1" accepts any "1.x".
func isSupported(version string, supported []string) bool {
	for _, v := range supported {
		if v == version || strings.HasPrefix(v, version+".") {
			return true
		}
	}
	return false
}
