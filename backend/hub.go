package backend

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/wipe"
)

// subscriberBuffer is how many events a slow subscriber can fall behind
// before it starts missing them.
const subscriberBuffer = 32

// Hub is the presenter the coordinator talks to. Every event is logged and
// copied to whoever is watching: ssh terminals and websocket clients.
type Hub struct {
	log *logging.Logger

	mu     sync.Mutex
	subs   map[int]chan poll.Event
	nextID int
	closed bool
}

func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[int]chan poll.Event),
	}
}

// Publish never blocks. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(e poll.Event) {
	h.log.Logf(LogLevelNormal, "%s", DescribeEvent(e))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Logf(LogLevelDebug, "event subscriber %d is behind, dropped %s", id, e.Type)
		}
	}
}

// Subscribe returns a channel of future events and the id to unsubscribe
// with. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() (int, <-chan poll.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan poll.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return -1, ch
	}
	h.nextID++
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Events published afterwards are only logged.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// DescribeEvent is the one-line, human readable form of an event.
func DescribeEvent(e poll.Event) string {
	switch e.Type {
	case poll.PollOpened:
		return fmt.Sprintf("[%s] wipe poll opened: wipe at %s, voting closes %s",
			e.Server, e.WipeAt.Format(time.RFC1123), e.ResolveAt.Format(time.RFC1123))
	case poll.PollUpdated:
		return fmt.Sprintf("[%s] votes: %s", e.Server, describeTally(e.Tally))
	case poll.PollClosed:
		return fmt.Sprintf("[%s] poll closed, %s wins (%s): %s",
			e.Server, e.Setting.Label(), describeTally(e.Tally), describeOutcome(e.Success, e.Reply))
	case poll.OverrideApplied:
		return fmt.Sprintf("[%s] %s set the next wipe to %s: %s",
			e.Server, e.Actor, e.Setting.Label(), describeOutcome(e.Success, e.Reply))
	case poll.AnnouncementForced:
		return fmt.Sprintf("[%s] %s forced a wipe announcement", e.Server, e.Actor)
	}
	return fmt.Sprintf("[%s] %s", e.Server, e.Type)
}

func describeTally(t poll.Tally) string {
	var parts []string
	for _, s := range wipe.Settings {
		parts = append(parts, fmt.Sprintf("%s %d", s, t[s]))
	}
	return strings.Join(parts, ", ")
}

func describeOutcome(success bool, reply string) string {
	if success {
		return "applied"
	}
	return "failed (" + reply + ")"
}
