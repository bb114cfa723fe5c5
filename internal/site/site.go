package site

import (
	"embed"
	"encoding/json"
	"net/http"

	"offline_portfolio/internal/gallery"
)

//go:embed assets/index.html
var assets embed.FS

type Icon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes"`
	Type  string `json:"type"`
}

// Manifest is the installable application descriptor served as
// /manifest.json.
type Manifest struct {
	Name            string `json:"name"`
	ShortName       string `json:"short_name"`
	StartURL        string `json:"start_url"`
	Display         string `json:"display"`
	BackgroundColor string `json:"background_color"`
	ThemeColor      string `json:"theme_color"`
	Icons           []Icon `json:"icons"`
}

func DefaultManifest() Manifest {
	return Manifest{
		Name:            "MY PORTFOLIO",
		ShortName:       "Portfolio",
		StartURL:        "./",
		Display:         "standalone",
		BackgroundColor: "#000000",
		ThemeColor:      "#000000",
		Icons: []Icon{
			{Src: "https://picsum.photos/seed/icon/192/192", Sizes: "192x192", Type: "image/png"},
			{Src: "https://picsum.photos/seed/icon/512/512", Sizes: "512x512", Type: "image/png"},
		},
	}
}

// NewHandler serves the static shell, the manifest and the gallery API. It is
// what the origin listener exposes.
func NewHandler(viewer *gallery.Viewer, manifest Manifest) (http.Handler, error) {
	index, err := assets.ReadFile("assets/index.html")
	if err != nil {
		return nil, err
	}
	manifestBody, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", gallery.NewHandler(viewer))
	mux.HandleFunc("GET /manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = w.Write(manifestBody)
	})
	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(index)
	}
	mux.HandleFunc("GET /{$}", serveIndex)
	mux.HandleFunc("GET /index.html", serveIndex)
	return mux, nil
}
