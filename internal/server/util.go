package server

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// names double as hostnames and log file names
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

func isSafeName(s string) bool {
	return namePattern.MatchString(s) && !strings.Contains(s, "..")
}

// isSafeAbsPath accepts "" or an absolute path without ".." elements.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	for _, el := range strings.Split(filepath.ToSlash(p), "/") {
		if el == ".." {
			return false
		}
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}
