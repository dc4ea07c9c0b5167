package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dzvin-ua/site-backend/internal/services"
	"github.com/dzvin-ua/site-backend/internal/store"
)

type ContentHandler struct {
	service *services.ContentService
}

func NewContentHandler(service *services.ContentService) *ContentHandler {
	return &ContentHandler{service: service}
}

func (h *ContentHandler) Posts(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	refresh := r.URL.Query().Get("refresh") == "1" || r.URL.Query().Get("refresh") == "true"

	col, err := h.service.Posts(r.Context(), lang, refresh)
	if err != nil {
		if errors.Is(err, services.ErrNotReady) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"translation not ready","retry":"refresh the source language first"}`))
			return
		}
		if errors.Is(err, services.ErrInvalid) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		log.Printf("Failed to fetch posts (lang=%s): %v", lang, err)
		http.Error(w, `{"error":"Failed to fetch posts"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(col); err != nil {
		log.Printf("Failed to encode posts: %v", err)
	}
}

// Share answers crawler bots resolving a shared post link with minimal Open
// Graph metadata. No templating; the document is a fixed skeleton.
func (h *ContentHandler) Share(w http.ResponseWriter, r *http.Request) {
	postID := mux.Vars(r)["postID"]

	post, err := h.service.PostByID(r.Context(), postID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Printf("Failed to resolve share %s: %v", postID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<meta property="og:title" content="%s">
<meta property="og:description" content="%s">
<meta property="og:image" content="%s">
<meta property="og:url" content="%s">
</head>
<body></body>
</html>
`,
		html.EscapeString(post.Title),
		html.EscapeString(post.Title),
		html.EscapeString(post.Body),
		html.EscapeString(post.Image),
		html.EscapeString(post.Link),
	)
}
