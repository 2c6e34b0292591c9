package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPRuntime drives a machines-style sandbox provider over its REST API.
type HTTPRuntime struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option customizes an HTTPRuntime.
type Option func(*HTTPRuntime)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPRuntime) { r.httpClient = c }
}

// WithPollInterval sets the create-wait poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *HTTPRuntime) { r.pollInterval = d }
}

// NewHTTPRuntime creates a driver for the provider at baseURL.
func NewHTTPRuntime(baseURL, token string, logger *slog.Logger, opts ...Option) *HTTPRuntime {
	r := &HTTPRuntime{
		baseURL:      baseURL,
		token:        token,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Runtime = (*HTTPRuntime)(nil)

type sandboxResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type createRequest struct {
	Name           string            `json:"name"`
	Image          string            `json:"image,omitempty"`
	CPUs           float64           `json:"cpus"`
	MemoryMB       int               `json:"memory_mb"`
	TimeoutS       int               `json:"timeout_s"`
	IdleTimeoutS   int               `json:"idle_timeout_s"`
	Env            map[string]string `json:"env,omitempty"`
	Volumes        map[string]string `json:"volumes,omitempty"`
	EncryptedPorts []int             `json:"encrypted_ports,omitempty"`
}

func (r *HTTPRuntime) CreateSandbox(ctx context.Context, spec Spec) (Handle, error) {
	spec.ApplyDefaults()

	var resp sandboxResponse
	req := createRequest{
		Name:           spec.Name,
		Image:          spec.Image,
		CPUs:           spec.CPUs,
		MemoryMB:       spec.MemoryMB,
		TimeoutS:       spec.TimeoutSeconds,
		IdleTimeoutS:   spec.IdleTimeoutSeconds,
		Env:            spec.Env,
		Volumes:        spec.Volumes,
		EncryptedPorts: spec.EncryptedPorts,
	}
	if err := r.do(ctx, http.MethodPost, "/v1/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("creating sandbox %s: %w", spec.Name, err)
	}

	h := &httpHandle{rt: r, id: resp.ID}
	if err := r.waitRunning(ctx, h); err != nil {
		return nil, fmt.Errorf("waiting for sandbox %s: %w", resp.ID, err)
	}
	r.logger.Info("sandbox created",
		slog.String("sandbox_id", resp.ID),
		slog.String("name", spec.Name),
	)
	return h, nil
}

func (r *HTTPRuntime) FromID(ctx context.Context, id string) (Handle, error) {
	var resp sandboxResponse
	if err := r.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &httpHandle{rt: r, id: resp.ID}, nil
}

func (r *HTTPRuntime) EnsureVolume(ctx context.Context, name string) error {
	// PUT is idempotent on the provider side: existing volumes return 200.
	if err := r.do(ctx, http.MethodPut, "/v1/volumes/"+name, map[string]string{"name": name}, nil); err != nil {
		return fmt.Errorf("ensuring volume %s: %w", name, err)
	}
	return nil
}

func (r *HTTPRuntime) waitRunning(ctx context.Context, h *httpHandle) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		var resp sandboxResponse
		if err := r.do(ctx, http.MethodGet, "/v1/sandboxes/"+h.id, nil, &resp); err != nil {
			return err
		}
		switch resp.State {
		case "running":
			return nil
		case "failed", "destroyed":
			return fmt.Errorf("%w: sandbox entered state %s", ErrAPIError, resp.State)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *HTTPRuntime) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrAPIError, method, path, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// httpHandle is a Handle backed by the REST API.
type httpHandle struct {
	rt *HTTPRuntime
	id string
}

var _ Handle = (*httpHandle)(nil)

func (h *httpHandle) ID() string { return h.id }

func (h *httpHandle) Poll(ctx context.Context) (bool, error) {
	var resp sandboxResponse
	err := h.rt.do(ctx, http.MethodGet, "/v1/sandboxes/"+h.id, nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.State == "running", nil
}

func (h *httpHandle) Tunnels(ctx context.Context) (map[int]Tunnel, error) {
	var resp struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	if err := h.rt.do(ctx, http.MethodGet, "/v1/sandboxes/"+h.id+"/tunnels", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing tunnels for %s: %w", h.id, err)
	}
	out := make(map[int]Tunnel, len(resp.Tunnels))
	for _, t := range resp.Tunnels {
		out[t.Port] = t
	}
	return out, nil
}

func (h *httpHandle) Exec(ctx context.Context, args ...string) (ExecResult, error) {
	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	req := map[string]any{"argv": args}
	if err := h.rt.do(ctx, http.MethodPost, "/v1/sandboxes/"+h.id+"/exec", req, &resp); err != nil {
		return ExecResult{}, fmt.Errorf("exec in %s: %w", h.id, err)
	}
	return ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (h *httpHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	req := map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	}
	if err := h.rt.do(ctx, http.MethodPut, "/v1/sandboxes/"+h.id+"/files", req, nil); err != nil {
		return fmt.Errorf("writing %s in %s: %w", path, h.id, err)
	}
	return nil
}

func (h *httpHandle) Terminate(ctx context.Context) error {
	err := h.rt.do(ctx, http.MethodDelete, "/v1/sandboxes/"+h.id, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
