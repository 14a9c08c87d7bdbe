// Package handlers holds the toy endpoints the demo server protects.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is a generic JSON response structure
type Response struct {
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

func write(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Health reports liveness. It is not behind the guard.
func Health(w http.ResponseWriter, r *http.Request) {
	write(w, http.StatusOK, Response{Message: "demo server is healthy"})
}

// Search handles GET /api/search.
func Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		query = "all"
	}
	write(w, http.StatusOK, Response{
		Message: "search results",
		Data: map[string]any{
			"query":   query,
			"results": []string{"result1", "result2", "result3"},
		},
	})
}

// Login handles POST /api/login, the usual brute-force target.
func Login(w http.ResponseWriter, r *http.Request) {
	write(w, http.StatusOK, Response{
		Message: "logged in",
		Data: map[string]any{
			"token": "mock-jwt-token",
			"user":  "demo-user",
		},
	})
}

// Create handles POST /api/items.
func Create(w http.ResponseWriter, r *http.Request) {
	write(w, http.StatusCreated, Response{
		Message: "item created",
		Data:    map[string]any{"id": "12345", "created": true},
	})
}
