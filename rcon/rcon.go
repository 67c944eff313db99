// Package rcon sends a single console command to a remote game server.
//
// Game servers in the wild implement remote console in slightly different
// ways, and some of them are flaky about it. A Transport holds an ordered
// list of named protocol strategies and tries each one at most once per call
// until one of them works.
//
// Soft success: once a strategy has connected, authenticated and written the
// command, running out of time while waiting for the reply is reported as
// SUCCESS, with Reply.Soft set and a placeholder text. Plenty of server
// plugins execute the command and never answer, and a timeout at that point
// usually means the command did run. This trades false negatives for false
// positives. Callers that need to be sure have to ask again with a status
// query (wipe.CommandStatus) and compare.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/wipe"
)

const (
	DefaultTimeout = 10 * time.Second

	// returned instead of an empty reply
	ExecutedMessage = "Command executed"
	// returned for a soft success
	NoResponseMessage = "Command executed (no response)"
)

// ErrorKind classifies why a strategy failed.
type ErrorKind int

const (
	Unreachable ErrorKind = iota
	AuthRejected
	ProtocolError
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthRejected:
		return "auth rejected"
	case ProtocolError:
		return "protocol error"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// TransportError is returned when a command could not be delivered.
type TransportError struct {
	Kind     ErrorKind
	Strategy string // which strategy failed, or a comma separated list
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rcon [%s] %s: %v", e.Strategy, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Reply is the best-effort result of a command.
type Reply struct {
	Text     string
	Soft     bool   // no reply arrived, success is assumed
	Strategy string // which strategy delivered the command
}

// Strategy is one way of speaking remote console to a server. Run must dial
// a fresh connection, honor the timeout for every network step and close
// everything before returning. Errors should be *TransportError.
type Strategy interface {
	Name() string
	Run(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error)
}

// Transport tries strategies in order. It keeps no connections between
// calls; the only state is a lock per server so two commands never hit the
// same server at the same time.
type Transport struct {
	strategies []Strategy
	log        *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(log *logging.Logger, strategies ...Strategy) *Transport {
	if log == nil {
		log = logging.Discard()
	}
	return &Transport{
		strategies: strategies,
		log:        log,
		locks:      make(map[string]*sync.Mutex),
	}
}

// NewFromNames builds a transport from strategy names as they appear in the
// config file. An empty list means the default order.
func NewFromNames(log *logging.Logger, names []string) (*Transport, error) {
	if len(names) == 0 {
		names = []string{"source", "webrcon"}
	}
	var strategies []Strategy
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if seen[n] {
			return nil, fmt.Errorf("rcon strategy %q listed twice", n)
		}
		seen[n] = true
		switch n {
		case "source":
			strategies = append(strategies, Source{})
		case "webrcon", "websocket":
			strategies = append(strategies, WebRCON{})
		default:
			return nil, fmt.Errorf("unknown rcon strategy %q", n)
		}
	}
	return New(log, strategies...), nil
}

// Strategies lists the strategy names in the order they're tried.
func (t *Transport) Strategies() []string {
	var names []string
	for _, s := range t.strategies {
		names = append(names, s.Name())
	}
	return names
}

func (t *Transport) lock(server string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[server]
	if !ok {
		l = &sync.Mutex{}
		t.locks[server] = l
	}
	return l
}

// Execute sends command to target. Each strategy is tried once, in order,
// until one succeeds (a soft success counts). When all of them fail the
// returned *TransportError carries the kind of the last failure and wraps
// every attempt's error.
func (t *Transport) Execute(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error) {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, "\r\n") {
		return Reply{}, &TransportError{Kind: ProtocolError, Strategy: "none", Err: fmt.Errorf("command must be a single non-empty line")}
	}
	if len(t.strategies) == 0 {
		return Reply{}, &TransportError{Kind: ProtocolError, Strategy: "none", Err: fmt.Errorf("no strategies configured")}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l := t.lock(target.Name)
	l.Lock()
	defer l.Unlock()

	var attempts []error
	var tried []string
	kind := ProtocolError
	for _, s := range t.strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, err)
			kind = Timeout
			break
		}
		tried = append(tried, s.Name())
		reply, err := s.Run(ctx, target, command, timeout)
		if err == nil {
			reply.Strategy = s.Name()
			if reply.Text == "" {
				reply.Text = ExecutedMessage
			}
			if reply.Soft {
				t.log.Logf(logging.LogLevelNormal, "[%s] no reply to %q via %s, assuming success\n", target.Name, command, s.Name())
			} else {
				t.log.Logf(logging.LogLevelInfo, "[%s] %q via %s ok\n", target.Name, command, s.Name())
			}
			return reply, nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Kind: Classify(err), Strategy: s.Name(), Err: err}
		}
		kind = te.Kind
		attempts = append(attempts, te)
		t.log.Logf(logging.LogLevelNormal, "[%s] rcon strategy %s failed: %v\n", target.Name, s.Name(), te)
	}
	return Reply{}, &TransportError{
		Kind:     kind,
		Strategy: strings.Join(tried, ","),
		Err:      errors.Join(attempts...),
	}
}

// Classify maps a network error to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ProtocolError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return Unreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Unreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unreachable
	}
	return ProtocolError
}

// isTimeout is true for deadline errors from the network or a context.
func isTimeout(err error) bool {
	return Classify(err) == Timeout
}

func softReply() Reply {
	return Reply{Text: NoResponseMessage, Soft: true}
}
