package poll

import (
	"time"

	"github.com/packetflinger/wipeadmind/wipe"
)

type EventType string

const (
	PollOpened         EventType = "poll_opened"
	PollUpdated        EventType = "poll_updated"
	PollClosed         EventType = "poll_closed"
	OverrideApplied    EventType = "override_applied"
	AnnouncementForced EventType = "announcement_forced"
)

// Event is what presenters get told about. SessionID is the stable handle a
// presenter uses to update whatever it showed for PollOpened.
type Event struct {
	Type      EventType    `json:"type"`
	Server    string       `json:"server"`
	Announce  string       `json:"announce,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	WipeAt    time.Time    `json:"wipe_at,omitzero"`
	ResolveAt time.Time    `json:"resolve_at,omitzero"`
	Tally     Tally        `json:"tally,omitempty"`
	Setting   wipe.Setting `json:"setting,omitempty"`
	Success   bool         `json:"success"`
	Actor     wipe.Actor   `json:"actor,omitzero"`
	Reply     string       `json:"reply,omitempty"`
	At        time.Time    `json:"at"`
}

// Presenter shows events to people. Publish must not block: it runs on the
// goroutine doing the work, sometimes with the session lock held.
type Presenter interface {
	Publish(Event)
}

// PresenterFunc adapts a plain function.
type PresenterFunc func(Event)

func (f PresenterFunc) Publish(e Event) { f(e) }
