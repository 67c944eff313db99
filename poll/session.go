// Package poll runs the community vote that decides what the next wipe on a
// server clears.
//
// A Session moves None -> Open -> Resolved. The transition methods on
// *Session only change the session and describe what has to happen next as
// a list of Effects. Nothing in this file does I/O; the Coordinator carries
// the effects out against the store, the presenter and the remote console.
package poll

import (
	"fmt"
	"sort"
	"time"

	"github.com/packetflinger/wipeadmind/wipe"
)

// ResolveBefore is how long before the wipe a poll is decided.
const ResolveBefore = time.Hour

type State int

const (
	StateNone State = iota
	StateOpen
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateOpen:
		return "open"
	case StateResolved:
		return "resolved"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tally is the number of votes per setting.
type Tally map[wipe.Setting]int

func (t Tally) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

func (t Tally) String() string {
	return fmt.Sprintf("map:%d blueprint:%d full:%d", t[wipe.Map], t[wipe.Blueprint], t[wipe.Full])
}

// Session is one voting round for one wipe on one server.
type Session struct {
	ID        string
	Server    string
	Announce  string
	WipeAt    time.Time
	OpensAt   time.Time
	ResolveAt time.Time
	State     State

	// setting -> set of voter identities. A voter is in at most one set.
	Votes map[wipe.Setting]map[string]struct{}

	// only meaningful once resolved
	Winner     wipe.Setting
	Defaulted  bool // winner came from the no-votes/tie rule
	ResolvedAt time.Time
	Pushed     bool
	Reply      string
}

type EffectKind int

const (
	EffectPersist EffectKind = iota
	EffectAnnounceOpened
	EffectAnnounceUpdated
	EffectPush
	EffectRecordHistory
	EffectAnnounceClosed
)

func (k EffectKind) String() string {
	return [...]string{"persist", "announce-opened", "announce-updated", "push", "record-history", "announce-closed"}[k]
}

// Effect describes one side effect a transition asks for.
type Effect struct {
	Kind    EffectKind
	Setting wipe.Setting
	Tally   Tally
	Success bool
	Actor   wipe.Actor
}

// NewSession builds a session for the wipe at wipeAt. The open and resolve
// instants are fixed here and never move.
func NewSession(id, server, announce string, wipeAt time.Time, lead time.Duration) *Session {
	wipeAt = wipeAt.UTC()
	s := &Session{
		ID:        id,
		Server:    server,
		Announce:  announce,
		WipeAt:    wipeAt,
		OpensAt:   wipeAt.Add(-lead),
		ResolveAt: wipeAt.Add(-ResolveBefore),
		State:     StateNone,
		Votes:     make(map[wipe.Setting]map[string]struct{}),
	}
	for _, st := range wipe.Settings {
		s.Votes[st] = make(map[string]struct{})
	}
	return s
}

// Open moves a new session to OPEN.
func (s *Session) Open() ([]Effect, error) {
	if s.State != StateNone {
		return nil, fmt.Errorf("session %s: can't open from state %s", s.ID, s.State)
	}
	s.State = StateOpen
	return []Effect{
		{Kind: EffectPersist},
		{Kind: EffectAnnounceOpened, Tally: s.Tally()},
	}, nil
}

// Vote records voter's choice, dropping any earlier vote by the same voter.
// Voting the same way twice changes nothing but still re-persists and
// re-announces. Votes at or past ResolveAt are refused even if nothing has
// resolved the session yet.
func (s *Session) Vote(voter string, setting wipe.Setting, now time.Time) ([]Effect, error) {
	if s.State != StateOpen || !now.Before(s.ResolveAt) {
		return nil, &VoteRejected{Reason: SessionNotOpen, Server: s.Server}
	}
	if voter == "" {
		return nil, &VoteRejected{Reason: UnauthorizedVoter, Server: s.Server}
	}
	if !setting.Valid() {
		return nil, fmt.Errorf("%w: %q", wipe.ErrInvalidSetting, setting)
	}
	for st, voters := range s.Votes {
		if st != setting {
			delete(voters, voter)
		}
	}
	if s.Votes[setting] == nil {
		s.Votes[setting] = make(map[string]struct{})
	}
	s.Votes[setting][voter] = struct{}{}
	tally := s.Tally()
	return []Effect{
		{Kind: EffectPersist},
		{Kind: EffectAnnounceUpdated, Tally: tally},
	}, nil
}

// Choice returns the setting voter currently backs.
func (s *Session) Choice(voter string) (wipe.Setting, bool) {
	for st, voters := range s.Votes {
		if _, ok := voters[voter]; ok {
			return st, true
		}
	}
	return "", false
}

func (s *Session) Tally() Tally {
	t := make(Tally)
	for _, st := range wipe.Settings {
		t[st] = len(s.Votes[st])
	}
	return t
}

// Due reports whether the resolution deadline has been reached.
func (s *Session) Due(now time.Time) bool {
	return s.State == StateOpen && !now.Before(s.ResolveAt)
}

// Winner picks the setting with strictly the most votes. No votes at all, or
// a tie for first place, falls back to a full wipe; defaulted is true then.
func Winner(t Tally) (winner wipe.Setting, defaulted bool) {
	best, bestCount, tied := wipe.Full, 0, false
	for _, st := range wipe.Settings {
		n := t[st]
		switch {
		case n > bestCount:
			best, bestCount, tied = st, n, false
		case n == bestCount && n > 0:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return wipe.Full, true
	}
	return best, false
}

// Resolve closes the vote. Votes cast after this are rejected. The resolved
// state is persisted before the push so a restart never pushes twice. The
// caller must push the returned setting and then call Complete with the
// outcome.
func (s *Session) Resolve(now time.Time) ([]Effect, error) {
	if s.State != StateOpen {
		return nil, fmt.Errorf("session %s: can't resolve from state %s", s.ID, s.State)
	}
	s.State = StateResolved
	s.ResolvedAt = now.UTC()
	s.Winner, s.Defaulted = Winner(s.Tally())
	return []Effect{
		{Kind: EffectPersist},
		{Kind: EffectPush, Setting: s.Winner, Tally: s.Tally()},
	}, nil
}

// Complete records what happened when the winner was pushed to the server.
// A nil err means the push succeeded, soft success included.
func (s *Session) Complete(reply string, err error) []Effect {
	success := err == nil
	if err != nil && reply == "" {
		reply = err.Error()
	}
	s.Pushed = success
	s.Reply = reply
	tally := s.Tally()
	return []Effect{
		{Kind: EffectPersist},
		{Kind: EffectRecordHistory, Setting: s.Winner, Success: success, Actor: s.actor(tally)},
		{Kind: EffectAnnounceClosed, Setting: s.Winner, Tally: tally, Success: success},
	}
}

func (s *Session) actor(t Tally) wipe.Actor {
	if s.Defaulted {
		return wipe.SystemActor
	}
	return wipe.Actor{
		Kind: wipe.ActorVoter,
		ID:   "poll:" + s.ID,
		Name: fmt.Sprintf("community vote (%d of %d)", t[s.Winner], t.Total()),
	}
}

// Voters lists the identities backing a setting, sorted.
func (s *Session) Voters(setting wipe.Setting) []string {
	var out []string
	for v := range s.Votes[setting] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone is a deep copy, safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Votes = make(map[wipe.Setting]map[string]struct{}, len(s.Votes))
	for st, voters := range s.Votes {
		c.Votes[st] = make(map[string]struct{}, len(voters))
		for v := range voters {
			c.Votes[st][v] = struct{}{}
		}
	}
	return &c
}
