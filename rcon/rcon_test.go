package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/packetflinger/wipeadmind/wipe"
)

// fakeStrategy returns canned results and counts calls.
type fakeStrategy struct {
	name  string
	reply Reply
	err   error
	calls int32
	delay time.Duration
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Run(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.reply, f.err
}

func TestExecuteStrategyOrder(t *testing.T) {
	target := wipe.Target{Name: "test1", Address: "127.0.0.1", Port: 28016}
	tests := []struct {
		name       string
		strategies []*fakeStrategy
		want       Reply
		wantKind   ErrorKind
		wantErr    bool
		wantCalls  []int32
	}{
		{
			name: "primary works",
			strategies: []*fakeStrategy{
				{name: "a", reply: Reply{Text: "done"}},
				{name: "b", reply: Reply{Text: "unused"}},
			},
			want:      Reply{Text: "done", Strategy: "a"},
			wantCalls: []int32{1, 0},
		},
		{
			name: "fall through to secondary",
			strategies: []*fakeStrategy{
				{name: "a", err: &TransportError{Kind: Unreachable, Strategy: "a", Err: errors.New("refused")}},
				{name: "b", reply: Reply{Text: "ok"}},
			},
			want:      Reply{Text: "ok", Strategy: "b"},
			wantCalls: []int32{1, 1},
		},
		{
			name: "empty reply is normalised",
			strategies: []*fakeStrategy{
				{name: "a", reply: Reply{}},
			},
			want:      Reply{Text: ExecutedMessage, Strategy: "a"},
			wantCalls: []int32{1},
		},
		{
			name: "soft success stops the chain",
			strategies: []*fakeStrategy{
				{name: "a", reply: softReply()},
				{name: "b", reply: Reply{Text: "unused"}},
			},
			want:      Reply{Text: NoResponseMessage, Soft: true, Strategy: "a"},
			wantCalls: []int32{1, 0},
		},
		{
			name: "all fail reports last kind",
			strategies: []*fakeStrategy{
				{name: "a", err: &TransportError{Kind: Unreachable, Strategy: "a", Err: errors.New("refused")}},
				{name: "b", err: &TransportError{Kind: AuthRejected, Strategy: "b", Err: errors.New("bad password")}},
			},
			wantErr:   true,
			wantKind:  AuthRejected,
			wantCalls: []int32{1, 1},
		},
		{
			name: "plain errors get classified",
			strategies: []*fakeStrategy{
				{name: "a", err: context.DeadlineExceeded},
			},
			wantErr:   true,
			wantKind:  Timeout,
			wantCalls: []int32{1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var strategies []Strategy
			for _, s := range tc.strategies {
				strategies = append(strategies, s)
			}
			tr := New(nil, strategies...)
			got, err := tr.Execute(context.Background(), target, "wipeannouncer.status", time.Second)
			if tc.wantErr {
				var te *TransportError
				if !errors.As(err, &te) {
					t.Fatalf("Execute() error = %v, want *TransportError", err)
				}
				if te.Kind != tc.wantKind {
					t.Errorf("Execute() error kind = %v, want %v", te.Kind, tc.wantKind)
				}
			} else {
				if err != nil {
					t.Fatalf("Execute() unexpected error: %v", err)
				}
				if diff := cmp.Diff(tc.want, got); diff != "" {
					t.Errorf("Execute() reply diff (-want +got):\n%s", diff)
				}
			}
			for i, s := range tc.strategies {
				if c := atomic.LoadInt32(&s.calls); c != tc.wantCalls[i] {
					t.Errorf("strategy %s called %d times, want %d", s.name, c, tc.wantCalls[i])
				}
			}
		})
	}
}

func TestExecuteRejectsBadCommands(t *testing.T) {
	s := &fakeStrategy{name: "a"}
	tr := New(nil, s)
	for _, cmd := range []string{"", "   ", "say hi\nquit"} {
		_, err := tr.Execute(context.Background(), wipe.Target{Name: "x"}, cmd, time.Second)
		var te *TransportError
		if !errors.As(err, &te) || te.Kind != ProtocolError {
			t.Errorf("Execute(%q) error = %v, want protocol error", cmd, err)
		}
	}
	if s.calls != 0 {
		t.Errorf("strategy called %d times for invalid commands", s.calls)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	s := &fakeStrategy{name: "a"}
	tr := New(nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Execute(ctx, wipe.Target{Name: "x"}, "status", time.Second)
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != Timeout {
		t.Errorf("Execute() error = %v, want timeout", err)
	}
	if s.calls != 0 {
		t.Errorf("strategy called %d times with a dead context", s.calls)
	}
}

// concurrencyStrategy records the highest number of simultaneous calls per
// server.
type concurrencyStrategy struct {
	mu      sync.Mutex
	active  map[string]int
	highest map[string]int
}

func (c *concurrencyStrategy) Name() string { return "count" }

func (c *concurrencyStrategy) Run(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error) {
	c.mu.Lock()
	c.active[target.Name]++
	if c.active[target.Name] > c.highest[target.Name] {
		c.highest[target.Name] = c.active[target.Name]
	}
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	c.mu.Lock()
	c.active[target.Name]--
	c.mu.Unlock()
	return Reply{Text: "ok"}, nil
}

func TestExecuteSerializesPerServer(t *testing.T) {
	cs := &concurrencyStrategy{active: map[string]int{}, highest: map[string]int{}}
	tr := New(nil, cs)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("srv%d", i%2)
			tr.Execute(context.Background(), wipe.Target{Name: name}, "status", time.Second)
		}(i)
	}
	wg.Wait()
	for name, n := range cs.highest {
		if n != 1 {
			t.Errorf("server %s saw %d concurrent commands, want 1", name, n)
		}
	}
}

func TestNewFromNames(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr bool
	}{
		{name: "default", names: nil, want: []string{"source", "webrcon"}},
		{name: "reversed", names: []string{"webrcon", "source"}, want: []string{"webrcon", "source"}},
		{name: "alias", names: []string{"WebSocket"}, want: []string{"webrcon"}},
		{name: "unknown", names: []string{"telnet"}, wantErr: true},
		{name: "duplicate", names: []string{"source", "source"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := NewFromNames(nil, tc.names)
			if tc.wantErr != (err != nil) {
				t.Fatalf("NewFromNames(%v) error = %v, wantErr %v", tc.names, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tc.want, tr.Strategies()); diff != "" {
				t.Errorf("Strategies() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: Timeout},
		{name: "wrapped deadline", err: fmt.Errorf("reading: %w", context.DeadlineExceeded), want: Timeout},
		{name: "other", err: errors.New("garbage"), want: ProtocolError},
		{name: "nil", err: nil, want: ProtocolError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
