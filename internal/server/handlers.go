package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/HerbHall/llamagate/internal/ollama"
	"github.com/HerbHall/llamagate/internal/version"
	"go.uber.org/zap"
)

// maxRequestBodyBytes caps incoming JSON request bodies at 10 MB.
const maxRequestBodyBytes = 10 * 1024 * 1024

// heartbeatTimeout bounds the backend probe in /health.
const heartbeatTimeout = 5 * time.Second

// validModelName matches Ollama model identifiers: name or name:tag.
// Examples: "llama3.2", "llama3.2:latest", "qwen2.5-coder:7b-instruct-q4_K_M"
var validModelName = regexp.MustCompile(`^[a-zA-Z0-9._-]+(/[a-zA-Z0-9._-]+)?(:[a-zA-Z0-9._-]+)?$`)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string            `json:"status" example:"ok"`
	Message       string            `json:"message" example:"llamagate is running"`
	Version       map[string]string `json:"version"`
	LocalIP       string            `json:"local_ip" example:"192.168.1.10"`
	ServerURL     string            `json:"server_url" example:"http://192.168.1.10:5000"`
	OllamaStatus  string            `json:"ollama_status" example:"online"`
	OllamaURL     string            `json:"ollama_url" example:"http://localhost:11434"`
	Configuration HealthConfig      `json:"configuration"`
	Endpoints     map[string]string `json:"endpoints"`
}

// HealthConfig echoes the non-secret parts of the configuration.
type HealthConfig struct {
	Debug          bool          `json:"debug"`
	APIKeyRequired bool          `json:"api_key_required"`
	IPFiltering    bool          `json:"ip_filtering"`
	RateLimiting   RateLimitInfo `json:"rate_limiting"`
	LogLevel       string        `json:"log_level"`
}

// RateLimitInfo reports the rate limiter settings.
type RateLimitInfo struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute,omitempty"`
}

// handleHealth reports API status, the detected local network address,
// a backend reachability probe, and the non-secret configuration. It is
// exempt from authentication so clients can find the server before they
// have credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ip := localIP()
	serverURL := fmt.Sprintf("http://%s:%d", ip, s.cfg.Server.Port)

	ctx, cancel := context.WithTimeout(r.Context(), heartbeatTimeout)
	defer cancel()
	backendStatus := "online"
	if err := s.client.Heartbeat(ctx); err != nil {
		backendStatus = "offline"
	}

	perMinute := 0
	if s.cfg.RateLimit.Enabled {
		perMinute = s.cfg.RateLimit.PerMinute
	}

	resp := HealthResponse{
		Status:       "ok",
		Message:      "llamagate is running",
		Version:      version.Map(),
		LocalIP:      ip,
		ServerURL:    serverURL,
		OllamaStatus: backendStatus,
		OllamaURL:    s.client.BaseURL(),
		Configuration: HealthConfig{
			Debug:          s.cfg.Server.Debug,
			APIKeyRequired: s.cfg.Auth.APIKey != "",
			IPFiltering:    len(s.cfg.Auth.AllowedIPs) > 0,
			RateLimiting: RateLimitInfo{
				Enabled:           s.cfg.RateLimit.Enabled,
				RequestsPerMinute: perMinute,
			},
			LogLevel: s.cfg.Logging.Level,
		},
		Endpoints: map[string]string{
			"health":   "GET " + serverURL + "/health",
			"generate": "POST " + serverURL + "/generate",
			"chat":     "POST " + serverURL + "/chat",
			"list":     "GET " + serverURL + "/list",
			"ps":       "GET " + serverURL + "/ps",
			"pull":     "POST " + serverURL + "/pull",
			"stop":     "POST " + serverURL + "/stop",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGenerate forwards a completion request to the backend, relaying
// NDJSON chunks unbuffered when streaming is requested.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req ollama.GenerateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkModel(w, req.Model) {
		return
	}
	if req.Prompt == "" {
		WriteError(w, http.StatusBadRequest, CodeValidation, "missing field: prompt")
		return
	}

	if req.Stream != nil && *req.Stream {
		body, err := s.client.GenerateStream(r.Context(), req)
		if err != nil {
			s.writeUpstreamError(w, r, err)
			return
		}
		s.relayStream(w, r, body)
		return
	}

	raw, err := s.client.Generate(r.Context(), req)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "text generated", raw)
}

// handleChat forwards a chat request to the backend, with the same
// streaming duality as handleGenerate.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ollama.ChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkModel(w, req.Model) {
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, CodeValidation, "messages must be a non-empty list")
		return
	}

	if req.Stream != nil && *req.Stream {
		body, err := s.client.ChatStream(r.Context(), req)
		if err != nil {
			s.writeUpstreamError(w, r, err)
			return
		}
		s.relayStream(w, r, body)
		return
	}

	raw, err := s.client.Chat(r.Context(), req)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "chat completed", raw)
}

// listedModel is a model entry enriched with a human-readable size.
type listedModel struct {
	Name          string          `json:"name"`
	Model         string          `json:"model"`
	Size          int64           `json:"size"`
	SizeFormatted string          `json:"size_formatted"`
	Digest        string          `json:"digest"`
	ModifiedAt    string          `json:"modified_at"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// handleList returns the installed models. Any request body is ignored.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	models, err := s.client.ListModels(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}

	listed := make([]listedModel, len(models))
	for i, m := range models {
		listed[i] = listedModel{
			Name:          m.Name,
			Model:         m.Model,
			Size:          m.Size,
			SizeFormatted: formatSize(m.Size),
			Digest:        m.Digest,
			ModifiedAt:    m.ModifiedAt,
			Details:       m.Details,
		}
	}

	WriteSuccess(w, http.StatusOK, "model list retrieved", map[string]any{
		"models":      listed,
		"total_count": len(listed),
	})
}

// handlePs returns the running model processes. Any request body is ignored.
func (s *Server) handlePs(w http.ResponseWriter, r *http.Request) {
	raw, err := s.client.Ps(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "process status retrieved", raw)
}

// modelRequest is the body for /pull and /stop.
type modelRequest struct {
	Model string `json:"model"`
}

// handlePull downloads a model through the backend. Pulls can run for a
// long time; the only timeout is the client's generous default.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkModel(w, req.Model) {
		return
	}

	s.logger.Info("pulling model", zap.String("model", req.Model))

	raw, err := s.client.Pull(r.Context(), req.Model)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "model "+req.Model+" pulled", map[string]any{
		"model":  req.Model,
		"result": raw,
	})
}

// handleStop unloads a model from the backend.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkModel(w, req.Model) {
		return
	}

	s.logger.Info("stopping model", zap.String("model", req.Model))

	if _, err := s.client.Stop(r.Context(), req.Model); err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "model "+req.Model+" stopped", map[string]any{
		"model":   req.Model,
		"stopped": true,
	})
}

// handleNotFound returns a 404 envelope for unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusNotFound, CodeNotFound, "endpoint not found")
}

// handleMethodNotAllowed returns a 405 envelope for known paths hit with
// the wrong HTTP method.
func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "HTTP method not allowed")
}

// decodeBody parses the JSON request body into dst, writing a 400
// envelope on failure. The body size is capped.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "missing or malformed JSON body")
		return false
	}
	return true
}

// checkModel validates the required model field, writing a 400 envelope
// when it is missing or unsafe.
func (s *Server) checkModel(w http.ResponseWriter, model string) bool {
	if model == "" {
		WriteError(w, http.StatusBadRequest, CodeValidation, "missing field: model")
		return false
	}
	if !validModelName.MatchString(model) {
		WriteError(w, http.StatusBadRequest, CodeInvalidModelName, "invalid model name")
		return false
	}
	return true
}

// writeUpstreamError converts a client error into the envelope mapping:
// backend application errors keep the backend's status code and message,
// timeouts become 504, and everything else is a generic 502.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var se *ollama.StatusError
	switch {
	case errors.As(err, &se):
		WriteError(w, se.StatusCode, CodeOllamaError, se.Message)
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, CodeOllamaUnreachable, "ollama request timed out")
	default:
		s.logger.Warn("ollama request failed",
			zap.Error(err),
			zap.String("request_id", RequestID(r.Context())),
		)
		WriteError(w, http.StatusBadGateway, CodeOllamaUnreachable, "ollama server unreachable")
	}
}

// relayStream copies NDJSON chunks from the backend to the client as
// they arrive, without buffering the whole response. A client disconnect
// cancels the request context, which closes the upstream call.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, body io.ReadCloser) {
	defer body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return
		}
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil && r.Context().Err() == nil {
		s.logger.Warn("stream interrupted",
			zap.Error(err),
			zap.String("request_id", RequestID(r.Context())),
		)
	}
}

// formatSize renders a byte count as a human-readable string, e.g. "1.5 GB".
func formatSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
