package hub

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// assetHandler serves files from an optional public directory and falls
// back to the embedded player page for "/".
type assetHandler struct {
	publicDir string
}

func newAssetHandler(publicDir string) *assetHandler {
	return &assetHandler{publicDir: publicDir}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}

	if h.publicDir != "" {
		filePath := filepath.Join(h.publicDir, filepath.FromSlash(name))
		if fileExists(filePath) {
			http.ServeFile(w, r, filePath)
			return
		}
	}

	if name == "/index.html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
		return
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
