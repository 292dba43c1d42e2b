package server

import (
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/plantwatch/webui"
)

// RegisterStaticFiles mounts the embedded UI skeleton on the Gin engine.
// API routes registered before this take precedence; every other path
// falls back to index.html for client-side routing.
func RegisterStaticFiles(r *gin.Engine) {
	webRoot, err := fs.Sub(webui.FS, "web")
	if err != nil {
		panic("embed: web sub-fs failed: " + err.Error())
	}
	staticFS := http.FS(webRoot)

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		f, err := staticFS.Open("index.html")
		if err != nil {
			c.String(http.StatusNotFound, "UI not found")
			return
		}
		defer f.Close()
		stat, _ := f.Stat()
		c.DataFromReader(http.StatusOK, stat.Size(), "text/html; charset=utf-8", f, nil)
	})
}
