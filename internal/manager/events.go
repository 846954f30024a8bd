package manager

// Event represents a control-plane lifecycle event.
// Minimal and stable: name + session id and optional fields via key/values.
type Event struct {
	Name      string
	SessionID int
	Fields    map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// SetEventPublisher replaces the publisher. Nil restores the no-op default.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.pubMu.Lock()
	m.pub = p
	m.pubMu.Unlock()
}

func (m *Manager) publish(name string, sessionID int, kv ...any) {
	ev := Event{Name: name, SessionID: sessionID}
	if len(kv) > 1 {
		ev.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				ev.Fields[k] = kv[i+1]
			}
		}
	}
	m.pubMu.RLock()
	p := m.pub
	m.pubMu.RUnlock()
	p.Publish(ev)
}
