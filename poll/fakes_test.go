package poll

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/wipe"
)

type memStore struct {
	mu       sync.Mutex
	fail     error
	sessions map[string]*Session
	history  []wipe.HistoryRecord
	current  map[string]wipe.Current
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		current:  make(map[string]wipe.Current),
	}
}

func (m *memStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) OpenSessions(context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []*Session
	for _, s := range m.sessions {
		if s.State == StateOpen {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStore) InterruptedSessions(context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []*Session
	for _, s := range m.sessions {
		if s.State == StateResolved && !s.Pushed && s.Reply == "" {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStore) session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone()
}

func (m *memStore) AppendHistory(_ context.Context, r wipe.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.history = append(m.history, r)
	return nil
}

func (m *memStore) History(_ context.Context, server string, limit int) ([]wipe.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wipe.HistoryRecord
	for _, r := range m.history {
		if server == "" || r.Server == server {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SetCurrent(_ context.Context, c wipe.Current) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	old := m.current[c.Server]
	c.LastAnnouncement, c.AnnouncementCount = old.LastAnnouncement, old.AnnouncementCount
	m.current[c.Server] = c
	return nil
}

func (m *memStore) Current(_ context.Context, server string) (wipe.Current, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.current[server]
	return c, ok, nil
}

func (m *memStore) RecordAnnouncement(_ context.Context, server string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	c := m.current[server]
	c.Server = server
	c.LastAnnouncement = at
	c.AnnouncementCount++
	m.current[server] = c
	return nil
}

// fakeTransport records commands and answers with a canned reply.
type fakeTransport struct {
	mu       sync.Mutex
	reply    rcon.Reply
	err      error
	commands []string
}

func (f *fakeTransport) Execute(_ context.Context, target wipe.Target, command string, _ time.Duration) (rcon.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, target.Name+"|"+command)
	if f.err != nil {
		return rcon.Reply{}, f.err
	}
	return f.reply, nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

type authFunc func(identity, server string, action Action) bool

func (f authFunc) IsAuthorized(identity, server string, action Action) bool {
	return f(identity, server, action)
}

var errDiskFull = errors.New("disk full")
