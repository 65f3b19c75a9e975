package ambient

import (
	"context"
	"sync"
)

// MockOutput implements Output for tests. It records every instance so
// tests can assert how many are live and which volumes were applied.
type MockOutput struct {
	// LoadFunc overrides Load when set.
	LoadFunc func(ctx context.Context, track Track) error

	// StartFunc overrides Start when set (e.g. to simulate autoplay rejection).
	StartFunc func(ctx context.Context, track Track) error

	mu        sync.Mutex
	instances []*MockInstance
}

// NewMockOutput creates a mock output that accepts every track.
func NewMockOutput() *MockOutput {
	return &MockOutput{}
}

// Name returns "mock".
func (m *MockOutput) Name() string { return "mock" }

// Load creates a MockInstance.
func (m *MockOutput) Load(ctx context.Context, track Track) (Instance, error) {
	if m.LoadFunc != nil {
		if err := m.LoadFunc(ctx, track); err != nil {
			return nil, err
		}
	}
	inst := &MockInstance{out: m, Track: track}
	m.mu.Lock()
	m.instances = append(m.instances, inst)
	m.mu.Unlock()
	return inst, nil
}

// Instances returns every instance created so far.
func (m *MockOutput) Instances() []*MockInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockInstance, len(m.instances))
	copy(out, m.instances)
	return out
}

// Active returns the instances that were started and not yet released.
func (m *MockOutput) Active() []*MockInstance {
	var active []*MockInstance
	for _, inst := range m.Instances() {
		if inst.Started() && !inst.Released() {
			active = append(active, inst)
		}
	}
	return active
}

// MockInstance records the calls made on one loaded track.
type MockInstance struct {
	out   *MockOutput
	Track Track

	mu       sync.Mutex
	started  bool
	released bool
	volumes  []float64
}

// Start marks the instance playing unless StartFunc rejects it.
func (i *MockInstance) Start(ctx context.Context) error {
	if i.out.StartFunc != nil {
		if err := i.out.StartFunc(ctx, i.Track); err != nil {
			return err
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return ErrReleased
	}
	i.started = true
	return nil
}

// SetVolume records the volume.
func (i *MockInstance) SetVolume(v float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return ErrReleased
	}
	i.volumes = append(i.volumes, v)
	return nil
}

// Release marks the instance released.
func (i *MockInstance) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.released = true
	return nil
}

// Started reports whether Start succeeded.
func (i *MockInstance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Released reports whether Release was called.
func (i *MockInstance) Released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}

// Volumes returns every volume applied, in order.
func (i *MockInstance) Volumes() []float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]float64, len(i.volumes))
	copy(out, i.volumes)
	return out
}

// LastVolume returns the most recent volume, or -1 if none was set.
func (i *MockInstance) LastVolume() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.volumes) == 0 {
		return -1
	}
	return i.volumes[len(i.volumes)-1]
}
