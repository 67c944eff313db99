package backend

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/packetflinger/wipeadmind/config"
	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/wipe"
)

const testConfig = `{
  "database": %q,
  "api_secret": "0123456789abcdef0123456789",
  "users": [
    {"name": "claire", "admin": true, "api_key": "adminkey"},
    {"name": "mod", "roles": ["rust-admins"], "api_key": "modkey"},
    {"name": "player", "api_key": "playerkey"}
  ],
  "servers": [
    {
      "name": "main",
      "address": "203.0.113.7",
      "rcon_port": 28016,
      "rcon_password": "secret",
      "announce": "1234567890",
      "admin_role": "rust-admins",
      "schedule": {"kind": "weekly", "weekday": "thursday", "hour": 19, "minute": 0}
    },
    {
      "name": "other",
      "address": "203.0.113.8",
      "rcon_port": 28016,
      "rcon_password": "secret"
    }
  ]
}`

type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	reply    rcon.Reply
	err      error
}

func (f *fakeTransport) Execute(_ context.Context, t wipe.Target, command string, _ time.Duration) (rcon.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, t.Name+"|"+command)
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

func newTestBackend(t *testing.T, tr *fakeTransport) *Backend {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, filepath.Join(t.TempDir(), "wipe.db"))))
	if err != nil {
		t.Fatalf("config.Parse() error: %v", err)
	}
	b, err := New(cfg, logging.Discard(), tr)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

// openPoll starts a poll on server that resolves in about a day.
func openPoll(t *testing.T, b *Backend, server string) {
	t.Helper()
	now := time.Now()
	if _, ok, err := b.coord.Open(context.Background(), server, now.Add(25*time.Hour), now); err != nil || !ok {
		t.Fatalf("Open(%q) = %v, %v", server, ok, err)
	}
}

// bufPrinter collects console output.
type bufPrinter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *bufPrinter) Println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		p.buf.WriteString("\n")
	}
}

func (p *bufPrinter) Printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(&p.buf, format, a...)
}

// take returns everything printed so far and resets the buffer.
func (p *bufPrinter) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func (p *bufPrinter) contains(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Contains(p.buf.String(), s)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
