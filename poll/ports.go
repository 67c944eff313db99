package poll

import (
	"context"
	"time"

	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/wipe"
)

// Store is the durable record of sessions, outcomes and the current setting
// per server.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	OpenSessions(ctx context.Context) ([]*Session, error)
	// InterruptedSessions returns resolved sessions with no push outcome
	// recorded.
	InterruptedSessions(ctx context.Context) ([]*Session, error)
	AppendHistory(ctx context.Context, r wipe.HistoryRecord) error
	History(ctx context.Context, server string, limit int) ([]wipe.HistoryRecord, error)
	SetCurrent(ctx context.Context, c wipe.Current) error
	Current(ctx context.Context, server string) (wipe.Current, bool, error)
	RecordAnnouncement(ctx context.Context, server string, at time.Time) error
}

// Transport delivers one console command to a server. *rcon.Transport
// satisfies it.
type Transport interface {
	Execute(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (rcon.Reply, error)
}

type Action int

const (
	ActionVote Action = iota
	ActionOverride
	ActionForce
)

func (a Action) String() string {
	switch a {
	case ActionVote:
		return "vote"
	case ActionOverride:
		return "override"
	case ActionForce:
		return "force"
	}
	return "unknown"
}

type Authorizer interface {
	IsAuthorized(identity, server string, action Action) bool
}

// AllowAll authorizes everyone for everything.
type AllowAll struct{}

func (AllowAll) IsAuthorized(string, string, Action) bool { return true }
