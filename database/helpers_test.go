package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/wipe"
)

func openAt(t *testing.T, file string) Database {
	t.Helper()
	db, err := Open(file)
	if err != nil {
		t.Fatalf("Open(%q) error: %v", file, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type recordingTransport struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingTransport) Execute(_ context.Context, _ wipe.Target, command string, _ time.Duration) (rcon.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return rcon.Reply{Text: "ok"}, nil
}
