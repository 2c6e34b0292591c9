package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRuntime is an in-memory Runtime for tests. Behavior knobs let tests
// simulate slow creates, provider failures, and dead sandboxes.
type MockRuntime struct {
	mu sync.Mutex

	// Knobs.
	FailCreate  error         // returned by CreateSandbox when set
	CreateDelay time.Duration // sleep before create completes
	ExecHook    func(args ...string) (ExecResult, error)

	sandboxes map[string]*MockHandle
	volumes   map[string]int // name -> EnsureVolume call count
	nextID    int

	CreateCalls int
}

// NewMockRuntime creates an empty mock provider.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		sandboxes: make(map[string]*MockHandle),
		volumes:   make(map[string]int),
	}
}

func (m *MockRuntime) CreateSandbox(ctx context.Context, spec Spec) (Handle, error) {
	if m.CreateDelay > 0 {
		select {
		case <-time.After(m.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	m.nextID++
	h := &MockHandle{
		rt:    m,
		id:    fmt.Sprintf("mock-sb-%d", m.nextID),
		spec:  spec,
		alive: true,
		tunnels: map[int]Tunnel{
			AgentPort:    {URL: fmt.Sprintf("https://mock-sb-%d.example.test", m.nextID), Port: AgentPort, Encrypted: true},
			TerminalPort: {URL: fmt.Sprintf("https://mock-sb-%d-term.example.test", m.nextID), Port: TerminalPort, Encrypted: true},
		},
		files: make(map[string][]byte),
	}
	m.sandboxes[h.id] = h
	return h, nil
}

func (m *MockRuntime) FromID(_ context.Context, id string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (m *MockRuntime) EnsureVolume(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[name]++
	return nil
}

// VolumeCalls returns how many times EnsureVolume was called for name.
func (m *MockRuntime) VolumeCalls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[name]
}

// Live returns the IDs of sandboxes that have not been terminated.
func (m *MockRuntime) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, h := range m.sandboxes {
		if h.alive {
			out = append(out, id)
		}
	}
	return out
}

// Kill marks a sandbox dead without removing it, as if it idled out.
func (m *MockRuntime) Kill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sandboxes[id]; ok {
		h.alive = false
	}
}

// MockHandle is the Handle implementation for MockRuntime.
type MockHandle struct {
	rt      *MockRuntime
	id      string
	spec    Spec
	alive   bool
	tunnels map[int]Tunnel
	files   map[string][]byte

	TerminateCalls int
}

var (
	_ Runtime = (*MockRuntime)(nil)
	_ Handle  = (*MockHandle)(nil)
)

func (h *MockHandle) ID() string { return h.id }

// Spec returns the spec the sandbox was created with.
func (h *MockHandle) Spec() Spec { return h.spec }

func (h *MockHandle) Poll(_ context.Context) (bool, error) {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	return h.alive, nil
}

func (h *MockHandle) Tunnels(_ context.Context) (map[int]Tunnel, error) {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if !h.alive {
		return nil, ErrNotFound
	}
	return h.tunnels, nil
}

func (h *MockHandle) Exec(_ context.Context, args ...string) (ExecResult, error) {
	h.rt.mu.Lock()
	hook := h.rt.ExecHook
	alive := h.alive
	h.rt.mu.Unlock()
	if !alive {
		return ExecResult{}, ErrNotFound
	}
	if hook != nil {
		return hook(args...)
	}
	return ExecResult{ExitCode: 0}, nil
}

func (h *MockHandle) WriteFile(_ context.Context, path string, data []byte) error {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	if !h.alive {
		return ErrNotFound
	}
	h.files[path] = append([]byte(nil), data...)
	return nil
}

// File returns the contents written to path, if any.
func (h *MockHandle) File(path string) ([]byte, bool) {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	data, ok := h.files[path]
	return data, ok
}

func (h *MockHandle) Terminate(_ context.Context) error {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	h.TerminateCalls++
	h.alive = false
	return nil
}
