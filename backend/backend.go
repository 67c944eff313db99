// Package backend is the running daemon: it owns the database, the remote
// console transport and the poll coordinator, drives the scheduler, and
// serves the SSH console and the HTTP API.
package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/packetflinger/wipeadmind/config"
	"github.com/packetflinger/wipeadmind/database"
	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/rcon"
)

const (
	LogLevelNormal        = logging.LogLevelNormal
	LogLevelInfo          = logging.LogLevelInfo
	LogLevelDebug         = logging.LogLevelDebug
	LogLevelDeveloper     = logging.LogLevelDeveloper
	LogLevelDeveloperPlus = logging.LogLevelDeveloperPlus
	LogLevelAll           = logging.LogLevelAll
)

const shutdownGrace = 5 * time.Second

// "This" wipe admin server
type Backend struct {
	config    *config.Config
	log       *logging.Logger
	db        database.Database
	transport poll.Transport
	coord     *poll.Coordinator
	hub       *Hub
	metrics   *Metrics
	secret    []byte // signs api session tokens

	mu         sync.Mutex
	status     map[string]ServerStatus // latest status poll per server
	maintCount int                     // total scheduler runs

	httpsrv *http.Server
	sshsrv  *ssh.Server
	wg      sync.WaitGroup
}

// ServerStatus is what the server's plugin said the last time we asked.
type ServerStatus struct {
	Values   map[string]string `json:"values"`
	Checked  time.Time         `json:"checked"`
	Strategy string            `json:"strategy,omitempty"`
	Soft     bool              `json:"soft,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// New wires everything together without starting anything. A nil transport
// means the strategies named in the config.
func New(cfg *config.Config, lg *logging.Logger, transport poll.Transport) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if lg == nil {
		lg = logging.New(nil, cfg.VerboseLevel)
	}
	b := &Backend{
		config:  cfg,
		log:     lg,
		hub:     NewHub(lg),
		metrics: NewMetrics(),
		status:  make(map[string]ServerStatus),
	}

	if transport == nil {
		t, err := rcon.NewFromNames(lg, cfg.Strategies)
		if err != nil {
			return nil, err
		}
		b.log.Logf(LogLevelInfo, "%-21s %v", "rcon strategies:", t.Strategies())
		transport = t
	}
	b.transport = transport

	b.secret = []byte(cfg.APISecret)
	if len(b.secret) < 16 {
		b.secret = make([]byte, 32)
		if _, err := rand.Read(b.secret); err != nil {
			return nil, fmt.Errorf("error generating api secret: %v", err)
		}
	}

	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}

	b.log.Logf(LogLevelInfo, "%-21s %s", "opening database:", cfg.Database)
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	b.db = db

	coord, err := poll.New(poll.Config{
		Targets:     targets,
		Store:       db,
		Transport:   transport,
		Presenter:   poll.PresenterFunc(b.present),
		Authorizer:  cfg,
		Log:         lg,
		LeadTime:    cfg.LeadTime.Duration,
		RCONTimeout: cfg.RCONTimeout.Duration,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	b.coord = coord
	return b, nil
}

// present is the coordinator's view of the outside world: metrics first, then
// whoever is watching.
func (b *Backend) present(e poll.Event) {
	b.metrics.Observe(e)
	b.hub.Publish(e)
}

// Run starts the listeners and background loops and blocks until ctx is
// cancelled, then shuts everything down.
func (b *Backend) Run(ctx context.Context) error {
	for _, t := range b.coord.Targets() {
		sched := "no schedule"
		if t.Schedule != nil {
			sched = t.Schedule.String()
		}
		b.log.Logf(LogLevelNormal, "  %-25s [%s] %s", t.Name, t.HostPort(), sched)
	}

	n, err := b.coord.Recover(ctx, time.Now())
	if err != nil {
		b.log.Warnf("%v", err)
	} else if n > 0 {
		b.log.Logf(LogLevelNormal, "recovered %d open poll(s)", n)
	}

	if b.config.APIEnabled {
		if err := b.startHTTPServer(); err != nil {
			b.Shutdown()
			return err
		}
	}
	if b.config.SSHEnabled {
		if err := b.startSSHServer(); err != nil {
			b.Shutdown()
			return err
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.startMaintenance(ctx)
	}()
	if b.config.StatusInterval.Duration > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.startStatusPoller(ctx)
		}()
	}

	<-ctx.Done()
	b.Shutdown()
	return nil
}

// Gracefully shut everything down. Listeners stop first, then we wait for
// any wipe settings still being pushed before closing the database.
func (b *Backend) Shutdown() {
	b.log.Logf(LogLevelNormal, "Shutting down...")
	if b.httpsrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := b.httpsrv.Shutdown(ctx); err != nil {
			b.log.Logf(LogLevelInfo, "http shutdown: %v", err)
		}
		cancel()
	}
	if b.sshsrv != nil {
		b.sshsrv.Close()
	}
	b.hub.Close()
	b.wg.Wait()
	b.coord.Wait()
	if err := b.db.Close(); err != nil {
		b.log.Logf(LogLevelInfo, "closing database: %v", err)
	}
}

// Start the wipe admin daemon. Runs until ctx is cancelled.
func Startup(ctx context.Context, configFile string, foreground bool) {
	if configFile == "" {
		log.Fatalln("no config file specified")
	}
	log.Printf("%-21s %s\n", "Loading config:", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal(err)
	}

	if !foreground {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	b, err := New(cfg, logging.New(nil, cfg.VerboseLevel), nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := b.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
