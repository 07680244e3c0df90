package datasource

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
)

// ConnectionInfo describes one open connection.
type ConnectionInfo struct {
	Name        string    `json:"name"`
	Type        Kind      `json:"type"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type entry struct {
	adapter     Adapter
	connectedAt time.Time
}

// Manager owns the open adapters, keyed by a logical database id. The id
// defaults to the engine tag, so one connection per engine is the common
// case. It is safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]entry

	newAdapter func(Kind, Credentials) (Adapter, error)
}

func NewManager() *Manager {
	return &Manager{
		conns:      make(map[string]entry),
		newAdapter: New,
	}
}

// Open validates creds, connects, checks the connection and registers it
// under name, replacing and closing any previous connection with that name.
func (m *Manager) Open(ctx context.Context, name string, kind Kind, creds Credentials) (Adapter, error) {
	if err := creds.Validate(kind); err != nil {
		return nil, err
	}
	if name == "" {
		name = string(kind)
	}

	adapter, err := m.newAdapter(kind, creds)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	if err := adapter.TestConnection(ctx); err != nil {
		adapter.Close()
		return nil, err
	}

	m.mu.Lock()
	prev, hadPrev := m.conns[name]
	m.conns[name] = entry{adapter: adapter, connectedAt: time.Now()}
	m.mu.Unlock()

	if hadPrev {
		if err := prev.adapter.Close(); err != nil {
			log.Warnf("closing replaced connection %q: %v", name, err)
		}
	}
	log.Infof("connected %s database as %q", kind, name)
	return adapter, nil
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[name]
	return e.adapter, ok
}

// Close disconnects name. Closing an unknown name is a no-op.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	e, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Infof("disconnected database %q", name)
	return e.adapter.Close()
}

// CloseAll disconnects everything and returns the joined close errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]entry)
	m.mu.Unlock()

	var errs []error
	for _, e := range conns {
		if err := e.adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the open connections sorted by name.
func (m *Manager) List() []ConnectionInfo {
	m.mu.RLock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for name, e := range m.conns {
		out = append(out, ConnectionInfo{Name: name, Type: e.adapter.Kind(), ConnectedAt: e.connectedAt})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
