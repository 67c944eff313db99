package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/schedule"
	"github.com/packetflinger/wipeadmind/wipe"
)

const DefaultLeadTime = 48 * time.Hour

type Config struct {
	Targets     []wipe.Target
	Store       Store
	Transport   Transport
	Presenter   Presenter  // optional
	Authorizer  Authorizer // optional, nil allows everyone
	Log         *logging.Logger
	LeadTime    time.Duration
	RCONTimeout time.Duration
	Now         func() time.Time // optional
	NewID       func() string    // optional
}

// Coordinator owns every poll session. It carries out the effects the
// session transitions ask for and talks to the store, the presenters and
// the remote console.
type Coordinator struct {
	store     Store
	transport Transport
	presenter Presenter
	auth      Authorizer
	log       *logging.Logger
	lead      time.Duration
	timeout   time.Duration
	now       func() time.Time
	newID     func() string

	targets map[string]wipe.Target
	names   []string // config order

	mu       sync.Mutex
	open     map[string]*entry    // server -> the one open session
	resolved map[string]time.Time // server -> wipe instant of the last resolved session

	wg sync.WaitGroup // in-flight resolution pushes
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("poll: no store")
	}
	if cfg.Transport == nil {
		return nil, errors.New("poll: no transport")
	}
	c := &Coordinator{
		store:     cfg.Store,
		transport: cfg.Transport,
		presenter: cfg.Presenter,
		auth:      cfg.Authorizer,
		log:       cfg.Log,
		lead:      cfg.LeadTime,
		timeout:   cfg.RCONTimeout,
		now:       cfg.Now,
		newID:     cfg.NewID,
		targets:   make(map[string]wipe.Target),
		open:      make(map[string]*entry),
		resolved:  make(map[string]time.Time),
	}
	if c.presenter == nil {
		c.presenter = PresenterFunc(func(Event) {})
	}
	if c.auth == nil {
		c.auth = AllowAll{}
	}
	if c.lead == 0 {
		c.lead = DefaultLeadTime
	}
	if c.lead <= ResolveBefore {
		return nil, fmt.Errorf("poll: lead time %v must be longer than %v", c.lead, ResolveBefore)
	}
	if c.timeout == 0 {
		c.timeout = rcon.DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	for _, t := range cfg.Targets {
		if _, dup := c.targets[t.Name]; dup {
			return nil, fmt.Errorf("poll: duplicate server %q", t.Name)
		}
		c.targets[t.Name] = t
		c.names = append(c.names, t.Name)
	}
	return c, nil
}

func (c *Coordinator) Target(name string) (wipe.Target, bool) {
	t, ok := c.targets[name]
	return t, ok
}

// Targets returns the servers in config order.
func (c *Coordinator) Targets() []wipe.Target {
	out := make([]wipe.Target, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.targets[n])
	}
	return out
}

func (c *Coordinator) active(server string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[server]
}

// Tick is called by the scheduler. It resolves anything that is due and
// opens polls for wipes that have come inside the lead time.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) {
	for _, name := range c.names {
		if e := c.active(name); e != nil {
			c.resolve(ctx, e, now)
			continue
		}
		t := c.targets[name]
		if t.Schedule == nil {
			continue
		}
		next := schedule.NextOccurrence(*t.Schedule, now)
		if next.Sub(now) > c.lead {
			continue
		}
		if _, _, err := c.Open(ctx, name, next, now); err != nil {
			c.log.Warnf("opening poll on %s: %v", name, err)
		}
	}
}

// Open starts a poll for the wipe at wipeAt. It does nothing (and reports
// false) if the server already has an open poll, that wipe was already
// decided, or it is too late to vote on it.
func (c *Coordinator) Open(ctx context.Context, server string, wipeAt, now time.Time) (*Session, bool, error) {
	t, ok := c.targets[server]
	if !ok {
		return nil, false, ErrUnknownServer
	}
	wipeAt = wipeAt.UTC()

	c.mu.Lock()
	if _, busy := c.open[server]; busy {
		c.mu.Unlock()
		return nil, false, nil
	}
	if last, done := c.resolved[server]; done && !wipeAt.After(last) {
		c.mu.Unlock()
		return nil, false, nil
	}
	s := NewSession(c.newID(), server, t.Announce, wipeAt, c.lead)
	if !now.Before(s.ResolveAt) {
		c.mu.Unlock()
		return nil, false, nil
	}
	effects, err := s.Open()
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	e := &entry{s: s}
	e.mu.Lock()
	c.open[server] = e
	c.mu.Unlock()

	defer e.mu.Unlock()
	c.log.Logf(logging.LogLevelNormal, "poll %s opened on %s for wipe at %s", s.ID, server, s.WipeAt.Format(time.RFC1123))
	snap := s.Clone()
	c.apply(ctx, snap, effects)
	return snap, true, nil
}

// resolve closes e if its deadline has passed and hands the push to a
// goroutine. Only the first caller for a session gets past the state check.
func (c *Coordinator) resolve(ctx context.Context, e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.s.Due(now) {
		return false
	}
	effects, err := e.s.Resolve(now)
	if err != nil {
		c.log.Warnf("%v", err)
		return false
	}
	c.mu.Lock()
	if c.open[e.s.Server] == e {
		delete(c.open, e.s.Server)
	}
	if e.s.WipeAt.After(c.resolved[e.s.Server]) {
		c.resolved[e.s.Server] = e.s.WipeAt
	}
	c.mu.Unlock()

	snap := e.s.Clone()
	c.log.Logf(logging.LogLevelNormal, "poll %s on %s resolved: %s [%s]", snap.ID, snap.Server, snap.Winner, snap.Tally())
	c.apply(ctx, snap, effects)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.push(e, effects)
	}()
	return true
}

// push sends the winning setting to the server. It runs detached from the
// caller's context; the transport timeout bounds it.
func (c *Coordinator) push(e *entry, effects []Effect) {
	ctx := context.Background()
	for _, ef := range effects {
		if ef.Kind != EffectPush {
			continue
		}
		target := c.targets[e.s.Server]
		reply, err := c.transport.Execute(ctx, target, wipe.SetCommand(ef.Setting), c.timeout)
		if err != nil {
			c.log.Logf(logging.LogLevelNormal, "pushing %s to %s failed: %v", ef.Setting, target.Name, err)
		}

		e.mu.Lock()
		done := e.s.Complete(reply.Text, err)
		c.apply(ctx, e.s.Clone(), done)
		e.mu.Unlock()
	}
}

// apply carries out everything but the push. Callers hold the session lock so
// writes for one session reach the store in order.
func (c *Coordinator) apply(ctx context.Context, s *Session, effects []Effect) {
	for _, ef := range effects {
		switch ef.Kind {
		case EffectPersist:
			if err := c.store.SaveSession(ctx, s); err != nil {
				c.warn(&PersistenceError{Op: "save session " + s.ID, Err: err})
			}
		case EffectAnnounceOpened:
			c.publish(c.sessionEvent(PollOpened, s, ef))
		case EffectAnnounceUpdated:
			c.publish(c.sessionEvent(PollUpdated, s, ef))
		case EffectRecordHistory:
			c.record(ctx, wipe.HistoryRecord{
				ID:      c.newID(),
				Server:  s.Server,
				Setting: ef.Setting,
				Actor:   ef.Actor,
				At:      c.now().UTC(),
				Success: ef.Success,
				Reply:   s.Reply,
			})
		case EffectAnnounceClosed:
			ev := c.sessionEvent(PollClosed, s, ef)
			ev.Reply = s.Reply
			c.publish(ev)
		}
	}
}

func (c *Coordinator) sessionEvent(t EventType, s *Session, ef Effect) Event {
	return Event{
		Type:      t,
		Server:    s.Server,
		Announce:  s.Announce,
		SessionID: s.ID,
		WipeAt:    s.WipeAt,
		ResolveAt: s.ResolveAt,
		Tally:     ef.Tally,
		Setting:   ef.Setting,
		Success:   ef.Success,
		At:        c.now().UTC(),
	}
}

// record writes a history row and, when the setting actually landed, moves
// the server's current setting.
func (c *Coordinator) record(ctx context.Context, r wipe.HistoryRecord) {
	if err := c.store.AppendHistory(ctx, r); err != nil {
		c.warn(&PersistenceError{Op: "append history", Err: err})
	}
	if !r.Success {
		return
	}
	cur := wipe.Current{Server: r.Server, Setting: r.Setting, SetBy: r.Actor, SetAt: r.At}
	if err := c.store.SetCurrent(ctx, cur); err != nil {
		c.warn(&PersistenceError{Op: "set current", Err: err})
	}
}

func (c *Coordinator) publish(e Event) {
	c.presenter.Publish(e)
}

func (c *Coordinator) warn(err error) {
	c.log.Warnf("%v", err)
}

// Recover loads polls that were open when the process last stopped. Any
// whose deadline has passed are resolved straight away with the votes they
// had; the rest carry on. Polls that resolved but stopped mid-push are
// closed as failed and never pushed again. Returns how many were picked up.
func (c *Coordinator) Recover(ctx context.Context, now time.Time) (int, error) {
	interrupted, err := c.store.InterruptedSessions(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "load interrupted sessions", Err: err}
	}
	sessions, err := c.store.OpenSessions(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "load open sessions", Err: err}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].WipeAt.Before(sessions[j].WipeAt)
	})

	n := 0
	for _, s := range interrupted {
		if _, ok := c.targets[s.Server]; !ok {
			c.log.Warnf("poll %s belongs to unknown server %q, ignoring", s.ID, s.Server)
			continue
		}
		c.mu.Lock()
		if s.WipeAt.After(c.resolved[s.Server]) {
			c.resolved[s.Server] = s.WipeAt
		}
		c.mu.Unlock()

		n++
		c.log.Warnf("poll %s on %s chose %s but the push never reported back, not retrying", s.ID, s.Server, s.Winner)
		done := s.Complete("", ErrPushInterrupted)
		c.apply(ctx, s, done)
	}
	for _, s := range sessions {
		if s.State != StateOpen {
			continue
		}
		if _, ok := c.targets[s.Server]; !ok {
			c.log.Warnf("poll %s belongs to unknown server %q, ignoring", s.ID, s.Server)
			continue
		}
		c.mu.Lock()
		if other, busy := c.open[s.Server]; busy {
			c.mu.Unlock()
			c.log.Warnf("poll %s on %s ignored, %s is already open", s.ID, s.Server, other.s.ID)
			continue
		}
		e := &entry{s: s}
		c.open[s.Server] = e
		c.mu.Unlock()

		n++
		c.log.Logf(logging.LogLevelInfo, "recovered poll %s on %s [%s]", s.ID, s.Server, s.Tally())
		c.resolve(ctx, e, now)
	}
	return n, nil
}

// CastVote records a vote and returns the updated tally.
func (c *Coordinator) CastVote(ctx context.Context, server, voter string, setting wipe.Setting) (Tally, error) {
	if _, ok := c.targets[server]; !ok {
		return nil, ErrUnknownServer
	}
	if !setting.Valid() {
		return nil, fmt.Errorf("%w: %q", wipe.ErrInvalidSetting, setting)
	}
	if voter == "" || !c.auth.IsAuthorized(voter, server, ActionVote) {
		return nil, &VoteRejected{Reason: UnauthorizedVoter, Server: server}
	}
	e := c.active(server)
	if e == nil {
		return nil, &VoteRejected{Reason: SessionNotOpen, Server: server}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	effects, err := e.s.Vote(voter, setting, c.now())
	if err != nil {
		return nil, err
	}
	c.log.Logf(logging.LogLevelInfo, "%s voted %s on %s", voter, setting, server)
	snap := e.s.Clone()
	c.apply(ctx, snap, effects)
	return snap.Tally(), nil
}

// SetWipeType applies a setting directly, outside of any poll. An open poll
// on the same server stays open and will still push its own winner later.
func (c *Coordinator) SetWipeType(ctx context.Context, server string, setting wipe.Setting, identity string) (wipe.HistoryRecord, error) {
	t, ok := c.targets[server]
	if !ok {
		return wipe.HistoryRecord{}, ErrUnknownServer
	}
	if !setting.Valid() {
		return wipe.HistoryRecord{}, fmt.Errorf("%w: %q", wipe.ErrInvalidSetting, setting)
	}
	if !c.auth.IsAuthorized(identity, server, ActionOverride) {
		return wipe.HistoryRecord{}, ErrUnauthorized
	}

	reply, err := c.transport.Execute(ctx, t, wipe.SetCommand(setting), c.timeout)
	rec := wipe.HistoryRecord{
		ID:      c.newID(),
		Server:  server,
		Setting: setting,
		Actor:   wipe.Actor{Kind: wipe.ActorAdmin, ID: identity, Name: identity},
		At:      c.now().UTC(),
		Success: err == nil,
		Reply:   reply.Text,
	}
	if err != nil {
		rec.Reply = err.Error()
		c.log.Logf(logging.LogLevelNormal, "override on %s by %s failed: %v", server, identity, err)
	} else {
		c.log.Logf(logging.LogLevelNormal, "%s set %s to %s", identity, server, setting)
	}
	c.record(ctx, rec)
	c.publish(Event{
		Type:     OverrideApplied,
		Server:   server,
		Announce: t.Announce,
		Setting:  setting,
		Success:  rec.Success,
		Actor:    rec.Actor,
		Reply:    rec.Reply,
		At:       rec.At,
	})
	return rec, err
}

// ForceAnnouncement makes the server announce the upcoming wipe right now.
func (c *Coordinator) ForceAnnouncement(ctx context.Context, server, identity string) (rcon.Reply, error) {
	t, ok := c.targets[server]
	if !ok {
		return rcon.Reply{}, ErrUnknownServer
	}
	if !c.auth.IsAuthorized(identity, server, ActionForce) {
		return rcon.Reply{}, ErrUnauthorized
	}
	reply, err := c.transport.Execute(ctx, t, wipe.CommandForce, c.timeout)
	if err != nil {
		return reply, err
	}
	now := c.now().UTC()
	if err := c.store.RecordAnnouncement(ctx, server, now); err != nil {
		c.warn(&PersistenceError{Op: "record announcement", Err: err})
	}
	c.publish(Event{
		Type:     AnnouncementForced,
		Server:   server,
		Announce: t.Announce,
		Success:  true,
		Actor:    wipe.Actor{Kind: wipe.ActorAdmin, ID: identity, Name: identity},
		Reply:    reply.Text,
		At:       now,
	})
	return reply, nil
}

// Status asks the server's plugin what it currently has configured. A soft
// success gives back an empty map.
func (c *Coordinator) Status(ctx context.Context, server string) (map[string]string, rcon.Reply, error) {
	t, ok := c.targets[server]
	if !ok {
		return nil, rcon.Reply{}, ErrUnknownServer
	}
	reply, err := c.transport.Execute(ctx, t, wipe.CommandStatus, c.timeout)
	if err != nil {
		return nil, reply, err
	}
	if reply.Soft {
		return map[string]string{}, reply, nil
	}
	return wipe.ParseStatus(reply.Text), reply, nil
}

// ActiveSession returns a copy of the server's open poll.
func (c *Coordinator) ActiveSession(server string) (*Session, bool) {
	e := c.active(server)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State != StateOpen {
		return nil, false
	}
	return e.s.Clone(), true
}

// Sessions returns copies of every open poll, in config order.
func (c *Coordinator) Sessions() []*Session {
	var out []*Session
	for _, name := range c.names {
		if s, ok := c.ActiveSession(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// NextDeadline is the earliest resolution time among open polls, so the
// scheduler can wake up for it instead of waiting for the next tick.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, s := range c.Sessions() {
		if next.IsZero() || s.ResolveAt.Before(next) {
			next = s.ResolveAt
		}
	}
	return next, !next.IsZero()
}

func (c *Coordinator) History(ctx context.Context, server string, limit int) ([]wipe.HistoryRecord, error) {
	if server != "" {
		if _, ok := c.targets[server]; !ok {
			return nil, ErrUnknownServer
		}
	}
	return c.store.History(ctx, server, limit)
}

func (c *Coordinator) Current(ctx context.Context, server string) (wipe.Current, bool, error) {
	if _, ok := c.targets[server]; !ok {
		return wipe.Current{}, false, ErrUnknownServer
	}
	return c.store.Current(ctx, server)
}

// Wait blocks until every resolution push that has started is finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
