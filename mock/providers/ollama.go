package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
)

// newOllamaHandler returns an http.Handler that simulates a local Ollama
// instance: POST /api/chat (newline-delimited JSON when streaming) and
// GET /api/tags for model listing / health checks.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeOllamaError(w, "mock internal server error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		model := req.Model
		if model == "" {
			model = "llama3"
		}
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveOllamaStream(w, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"model": model,
			"message": map[string]string{
				"role":    "assistant",
				"content": content,
			},
			"done": true,
		})
	})

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3"},
				{"name": "mistral"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return mux
}

// serveOllamaStream writes Ollama's newline-delimited JSON stream: one
// object per word, followed by a final {"done": true} object.
func serveOllamaStream(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for _, word := range strings.Fields(content) {
		chunk := map[string]any{
			"model": model,
			"message": map[string]string{
				"role":    "assistant",
				"content": word + " ",
			},
			"done": false,
		}
		data, _ := json.Marshal(chunk)
		bw.Write(data)
		bw.WriteByte('\n')
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	final := map[string]any{"model": model, "message": map[string]string{"role": "assistant", "content": ""}, "done": true}
	data, _ := json.Marshal(final)
	bw.Write(data)
	bw.WriteByte('\n')
}

func writeOllamaError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}
