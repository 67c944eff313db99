package backend

import (
	"net/http"

	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/wipe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes what the coordinator is doing for prometheus to scrape.
// Everything is driven from poll events and status polls.
type Metrics struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	applied   *prometheus.CounterVec
	open      *prometheus.GaugeVec
	votes     *prometheus.GaugeVec
	reachable *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipeadmind",
			Name:      "poll_events_total",
			Help:      "Poll events published, by server and type.",
		}, []string{"server", "type"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipeadmind",
			Name:      "settings_applied_total",
			Help:      "Attempts to push a wipe setting, by server, setting, source and result.",
		}, []string{"server", "setting", "source", "result"}),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wipeadmind",
			Name:      "poll_open",
			Help:      "1 while a server has an open poll.",
		}, []string{"server"}),
		votes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wipeadmind",
			Name:      "poll_votes",
			Help:      "Votes in the open poll, by server and setting.",
		}, []string{"server", "setting"}),
		reachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wipeadmind",
			Name:      "server_reachable",
			Help:      "1 if the last status poll got through.",
		}, []string{"server"}),
	}
	m.registry.MustRegister(m.events, m.applied, m.open, m.votes, m.reachable)
	return m
}

// Observe updates the metrics for a single event.
func (m *Metrics) Observe(e poll.Event) {
	m.events.WithLabelValues(e.Server, string(e.Type)).Inc()
	switch e.Type {
	case poll.PollOpened:
		m.open.WithLabelValues(e.Server).Set(1)
		m.setVotes(e.Server, poll.Tally{})
	case poll.PollUpdated:
		m.setVotes(e.Server, e.Tally)
	case poll.PollClosed:
		m.open.WithLabelValues(e.Server).Set(0)
		m.setVotes(e.Server, poll.Tally{})
		m.applied.WithLabelValues(e.Server, string(e.Setting), "poll", result(e.Success)).Inc()
	case poll.OverrideApplied:
		m.applied.WithLabelValues(e.Server, string(e.Setting), "override", result(e.Success)).Inc()
	}
}

func (m *Metrics) ObserveStatus(server string, st ServerStatus) {
	up := 1.0
	if st.Err != "" {
		up = 0
	}
	m.reachable.WithLabelValues(server).Set(up)
}

func (m *Metrics) setVotes(server string, t poll.Tally) {
	for _, s := range wipe.Settings {
		m.votes.WithLabelValues(server, string(s)).Set(float64(t[s]))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
