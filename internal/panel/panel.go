package panel

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"strings"
)

//go:embed web/*
var embedded embed.FS

// assets returns the monitor files: dir on disk when it exists, so the page
// can be edited without a rebuild, otherwise the copy compiled into the
// binary.
func assets(dir string) fs.FS {
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return os.DirFS(dir)
		}
	}
	web, err := fs.Sub(embedded, "web")
	if err != nil {
		// Only possible if the embed directive above is broken.
		panic("panel: embedded assets missing: " + err.Error())
	}
	return web
}

// Handler serves the live translation monitor. Paths that name no asset
// get index.html, so the page can be bookmarked at any sub-path.
func Handler(dir string) http.Handler {
	files := assets(dir)
	server := http.FileServerFS(files)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		name := strings.Trim(r.URL.Path, "/")
		if name != "" {
			if _, err := fs.Stat(files, name); err != nil {
				r2 := r.Clone(r.Context())
				r2.URL.Path = "/"
				server.ServeHTTP(w, r2)
				return
			}
		}
		server.ServeHTTP(w, r)
	})
}
