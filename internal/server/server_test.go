package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/llamagate/internal/config"
	"github.com/HerbHall/llamagate/internal/ollama"
	"go.uber.org/zap"
)

// gwEnvelope mirrors Envelope with raw data for assertions.
type gwEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorCode string          `json:"error_code"`
}

// fakeBackend is a minimal in-process Ollama stand-in that counts hits.
type fakeBackend struct {
	hits   atomic.Int64
	server *httptest.Server
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","model":"llama3.2:latest","size":2147483648,"digest":"abc","modified_at":"2026-08-01T00:00:00Z"}]}`))
		case "/api/ps":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","size_vram":0}]}`))
		case "/api/generate":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if _, ok := req["keep_alive"]; ok {
				_, _ = fmt.Fprintf(w, `{"model":%q,"done":true}`, req["model"])
				return
			}
			_, _ = w.Write([]byte(`{"response":"hello","done":true}`))
		case "/api/chat":
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi there"},"done":true}`))
		case "/api/pull":
			_, _ = w.Write([]byte(`{"status":"success"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown path"}`))
		}
	}))
	return b
}

func (b *fakeBackend) Close() { b.server.Close() }

// newGateway builds a gateway handler pointed at backendURL.
func newGateway(t *testing.T, backendURL string, mutate func(*config.Config)) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 5000},
		Ollama:  config.OllamaConfig{Host: "localhost", Port: 11434, Timeout: time.Hour},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	client, err := ollama.New(backendURL, 5*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("ollama.New() error: %v", err)
	}
	return New(cfg, client, zap.NewNop()).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, gwEnvelope) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var e gwEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode envelope from %s %s: %v (body %q)", method, path, err, w.Body.String())
	}
	return w, e
}

func TestValidation_NeverContactsBackend(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode string
	}{
		{"generate empty body", "POST", "/generate", `{}`, CodeValidation},
		{"generate missing prompt", "POST", "/generate", `{"model":"m"}`, CodeValidation},
		{"generate missing model", "POST", "/generate", `{"prompt":"hi"}`, CodeValidation},
		{"generate malformed json", "POST", "/generate", `{not json`, CodeValidation},
		{"generate unsafe model name", "POST", "/generate", `{"model":"m;rm -rf","prompt":"hi"}`, CodeInvalidModelName},
		{"chat missing messages", "POST", "/chat", `{"model":"m"}`, CodeValidation},
		{"chat empty messages", "POST", "/chat", `{"model":"m","messages":[]}`, CodeValidation},
		{"chat missing model", "POST", "/chat", `{"messages":[{"role":"user","content":"hi"}]}`, CodeValidation},
		{"pull missing model", "POST", "/pull", `{}`, CodeValidation},
		{"stop missing model", "POST", "/stop", `{}`, CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			defer backend.Close()
			handler := newGateway(t, backend.server.URL, nil)

			w, e := doJSON(t, handler, tt.method, tt.path, tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if e.Status != "error" || e.Error == "" {
				t.Errorf("envelope = %+v, want error with detail", e)
			}
			if e.ErrorCode != tt.wantCode {
				t.Errorf("error code = %q, want %q", e.ErrorCode, tt.wantCode)
			}
			if n := backend.hits.Load(); n != 0 {
				t.Errorf("backend contacted %d times, want 0", n)
			}
		})
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, func(cfg *config.Config) {
		cfg.Auth.APIKey = "secret"
		cfg.Auth.AllowedIPs = []string{"10.9.9.9"}
	})

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want %q", resp.Status, "ok")
	}
	if resp.OllamaStatus != "online" {
		t.Errorf("ollama_status = %q, want online", resp.OllamaStatus)
	}
	if !resp.Configuration.APIKeyRequired {
		t.Error("configuration.api_key_required = false, want true")
	}
	if !resp.Configuration.IPFiltering {
		t.Error("configuration.ip_filtering = false, want true")
	}
	if resp.LocalIP == "" {
		t.Error("local_ip is empty")
	}
}

func TestHealth_ReportsOfflineBackend(t *testing.T) {
	backend := newFakeBackend()
	url := backend.server.URL
	backend.Close()
	handler := newGateway(t, url, nil)

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with backend down", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.OllamaStatus != "offline" {
		t.Errorf("ollama_status = %q, want offline", resp.OllamaStatus)
	}
}

func TestGenerate_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, nil)

	w, e := doJSON(t, handler, "POST", "/generate", `{"model":"m","prompt":"hi"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if e.Status != "success" {
		t.Errorf("envelope status = %q, want success", e.Status)
	}

	var data struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Response != "hello" {
		t.Errorf("data.response = %q, want %q", data.Response, "hello")
	}
}

func TestAuth_RejectsBeforeValidation(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, func(cfg *config.Config) {
		cfg.Auth.APIKey = "secret"
	})

	// Body is perfectly valid; the missing key must still reject it.
	w, e := doJSON(t, handler, "POST", "/generate", `{"model":"m","prompt":"hi"}`)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if e.ErrorCode != CodeInvalidAPIKey {
		t.Errorf("error code = %q, want %q", e.ErrorCode, CodeInvalidAPIKey)
	}
	if n := backend.hits.Load(); n != 0 {
		t.Errorf("backend contacted %d times, want 0", n)
	}
}

func TestBackendUnreachable(t *testing.T) {
	backend := newFakeBackend()
	url := backend.server.URL
	backend.Close()
	handler := newGateway(t, url, nil)

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{"POST", "/generate", `{"model":"m","prompt":"hi"}`},
		{"POST", "/chat", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`},
		{"GET", "/list", ""},
		{"GET", "/ps", ""},
		{"POST", "/pull", `{"model":"m"}`},
		{"POST", "/stop", `{"model":"m"}`},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w, e := doJSON(t, handler, tt.method, tt.path, tt.body)

			if w.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want 502", w.Code)
			}
			if e.Status != "error" || e.Error == "" {
				t.Errorf("envelope = %+v, want error with detail", e)
			}
			if e.ErrorCode != CodeOllamaUnreachable {
				t.Errorf("error code = %q, want %q", e.ErrorCode, CodeOllamaUnreachable)
			}
		})
	}
}

func TestBackendErrorRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"ghost\" not found, try pulling it first"}`))
	}))
	defer backend.Close()
	handler := newGateway(t, backend.URL, nil)

	w, e := doJSON(t, handler, "POST", "/generate", `{"model":"ghost","prompt":"hi"}`)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want backend's 404", w.Code)
	}
	if !strings.Contains(e.Error, "not found") {
		t.Errorf("error = %q, want backend message relayed", e.Error)
	}
	if e.ErrorCode != CodeOllamaError {
		t.Errorf("error code = %q, want %q", e.ErrorCode, CodeOllamaError)
	}
}

func TestList_EnrichesModelSizes(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, nil)

	w, e := doJSON(t, handler, "GET", "/list", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var data struct {
		Models []struct {
			Name          string `json:"name"`
			SizeFormatted string `json:"size_formatted"`
		} `json:"models"`
		TotalCount int `json:"total_count"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.TotalCount != 1 || len(data.Models) != 1 {
		t.Fatalf("total_count = %d, models = %d, want 1", data.TotalCount, len(data.Models))
	}
	if data.Models[0].SizeFormatted != "2.0 GB" {
		t.Errorf("size_formatted = %q, want %q", data.Models[0].SizeFormatted, "2.0 GB")
	}
}

func TestListAndPs_IgnoreRequestBody(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, nil)

	for _, path := range []string{"/list", "/ps"} {
		wBare, eBare := doJSON(t, handler, "GET", path, "")
		wBody, eBody := doJSON(t, handler, "GET", path, `{"unexpected":"body"}`)

		if wBare.Code != http.StatusOK || wBody.Code != http.StatusOK {
			t.Errorf("%s: status %d vs %d, want both 200", path, wBare.Code, wBody.Code)
		}
		if eBare.Status != eBody.Status {
			t.Errorf("%s: body changed behavior: %q vs %q", path, eBare.Status, eBody.Status)
		}
	}
}

func TestStop_ReturnsConfirmation(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, nil)

	w, e := doJSON(t, handler, "POST", "/stop", `{"model":"llama3.2"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var data struct {
		Model   string `json:"model"`
		Stopped bool   `json:"stopped"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Model != "llama3.2" || !data.Stopped {
		t.Errorf("data = %+v, want llama3.2 stopped", data)
	}
}

func TestUnknownEndpointAndMethod(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()
	handler := newGateway(t, backend.server.URL, nil)

	w, e := doJSON(t, handler, "GET", "/nope", "")
	if w.Code != http.StatusNotFound || e.ErrorCode != CodeNotFound {
		t.Errorf("unknown route: status %d code %q, want 404 %s", w.Code, e.ErrorCode, CodeNotFound)
	}

	w, e = doJSON(t, handler, "GET", "/generate", "")
	if w.Code != http.StatusMethodNotAllowed || e.ErrorCode != CodeMethodNotAllowed {
		t.Errorf("wrong method: status %d code %q, want 405 %s", w.Code, e.ErrorCode, CodeMethodNotAllowed)
	}
}

func TestGenerate_StreamingRelay(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if stream, ok := req["stream"].(bool); !ok || !stream {
			t.Errorf("forwarded stream = %v, want true", req["stream"])
		}
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"response":"hel","done":false}` + "\n"))
		flusher.Flush()
		_, _ = w.Write([]byte(`{"response":"lo","done":true}` + "\n"))
		flusher.Flush()
	}))
	defer backend.Close()

	gateway := httptest.NewServer(newGateway(t, backend.URL, nil))
	defer gateway.Close()

	resp, err := http.Post(gateway.URL+"/generate", "application/json",
		strings.NewReader(`{"model":"m","prompt":"hi","stream":true}`))
	if err != nil {
		t.Fatalf("POST /generate: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content-type = %q, want application/x-ndjson", ct)
	}

	var chunks []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			chunks = append(chunks, line)
		}
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %v", len(chunks), chunks)
	}
	var last struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := json.Unmarshal([]byte(chunks[1]), &last); err != nil {
		t.Fatalf("decode last chunk: %v", err)
	}
	if !last.Done || last.Response != "lo" {
		t.Errorf("last chunk = %+v, want done with %q", last, "lo")
	}
}

func TestGenerate_ConcurrentRequestsDontInterfere(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		time.Sleep(20 * time.Millisecond)
		_, _ = fmt.Fprintf(w, `{"response":"from %s","done":true}`, req["model"])
	}))
	defer backend.Close()

	gateway := httptest.NewServer(newGateway(t, backend.URL, nil))
	defer gateway.Close()

	var wg sync.WaitGroup
	for _, model := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()

			resp, err := http.Post(gateway.URL+"/generate", "application/json",
				strings.NewReader(fmt.Sprintf(`{"model":%q,"prompt":"hi"}`, model)))
			if err != nil {
				t.Errorf("%s: POST failed: %v", model, err)
				return
			}
			defer resp.Body.Close()

			var e gwEnvelope
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Errorf("%s: decode envelope: %v", model, err)
				return
			}
			var data struct {
				Response string `json:"response"`
			}
			if err := json.Unmarshal(e.Data, &data); err != nil {
				t.Errorf("%s: decode data: %v", model, err)
				return
			}
			if want := "from " + model; data.Response != want {
				t.Errorf("response = %q, want %q", data.Response, want)
			}
		}(model)
	}
	wg.Wait()
}
