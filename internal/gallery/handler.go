package gallery

import (
	"encoding/json"
	"net/http"
)

type artworkList struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Items    []Item `json:"items"`
}

// NewHandler serves the gallery API for the items held by viewer.
func NewHandler(viewer *Viewer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/artworks", func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		if category == "" {
			category = NoFilter
		}
		items := FilterItems(viewer.Items(), category)
		writeJSON(w, http.StatusOK, artworkList{Category: category, Count: len(items), Items: items})
	})
	mux.HandleFunc("GET /api/artworks/{id}", func(w http.ResponseWriter, r *http.Request) {
		item, ok := viewer.Lookup(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "artwork not found"})
			return
		}
		writeJSON(w, http.StatusOK, item)
	})
	mux.HandleFunc("GET /api/categories", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewer.Categories())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
