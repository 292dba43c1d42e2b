// Package webui exposes the embedded dashboard skeleton.
// It lives at the module root to embed the sibling "web/" directory;
// internal/server serves it as the SPA fallback.
package webui

import "embed"

// FS is the embedded web directory tree.
//
//go:embed web
var FS embed.FS
