// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dashboard embeds the single-page dashboard served at "/".
// The page is a static, dependency-free HTML document that talks to
// the REST and SSE endpoints from the browser; no server-side
// templating is involved.
package dashboard

import (
	"embed"
	"net/http"
)

//go:embed static/index.html
var staticFiles embed.FS

// Handler serves the dashboard's single HTML document.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	})
}
