package backend

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/wipe"

	gossh "golang.org/x/crypto/ssh"
)

func TestParseCmdArgs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    CmdArgs
		wantErr bool
	}{
		{
			name:  "empty",
			input: "   ",
			want:  CmdArgs{},
		},
		{
			name:  "no args",
			input: "help",
			want:  CmdArgs{command: "help", argv: []string{}},
		},
		{
			name:  "vote",
			input: "VOTE main  map",
			want: CmdArgs{
				command: "vote",
				argc:    2,
				argv:    []string{"main", "map"},
				args:    "main map",
			},
		},
		{
			name:  "quoted",
			input: `history "main server" 5`,
			want: CmdArgs{
				command: "history",
				argc:    2,
				argv:    []string{"main server", "5"},
				args:    "main server 5",
			},
		},
		{
			name:    "unclosed quote",
			input:   `vote "main map`,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCmdArgs(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseCmdArgs(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(CmdArgs{})); diff != "" {
				t.Errorf("ParseCmdArgs(%q) (-want +got):\n%s", tc.input, diff)
			}
		})
	}
}

func TestConsole(t *testing.T) {
	tr := &fakeTransport{reply: rcon.Reply{Text: "Next Wipe Type: full\n- Announcements: on", Strategy: "source"}}
	b := newTestBackend(t, tr)
	ctx := context.Background()

	user := func(name string) (*console, *bufPrinter) {
		u, ok := b.config.User(name)
		if !ok {
			t.Fatalf("no user %q", name)
		}
		out := &bufPrinter{}
		return b.newConsole(u, out), out
	}
	player, pout := user("player")
	admin, aout := user("claire")

	steps := []struct {
		cs   *console
		out  *bufPrinter
		line string
		want []string
		not  []string
	}{
		{cs: player, out: pout, line: "help", want: []string{"vote <server> <setting>"}, not: []string{"setwipe"}},
		{cs: admin, out: aout, line: "help", want: []string{"setwipe <server> <setting>", "force <server>"}},
		{cs: player, out: pout, line: "frobnicate", want: []string{`unknown command "frobnicate"`}},
		{cs: player, out: pout, line: "servers", want: []string{"main", "203.0.113.8:28016"}},
		{cs: player, out: pout, line: "poll", want: []string{"no open polls"}},
		{cs: player, out: pout, line: "vote main map", want: []string{"no open poll on main"}},
		{cs: player, out: pout, line: "vote main", want: []string{"Usage: vote"}},
		{cs: player, out: pout, line: "vote nope map", want: []string{`unknown server "nope"`}},
		{cs: player, out: pout, line: "setwipe main full", want: []string{"don't have admin rights on main"}},
		{cs: player, out: pout, line: "status main", want: []string{"don't have admin rights on main"}},
		{cs: admin, out: aout, line: "status main", want: []string{"Next Wipe Type", "full", "via source"}},
		{cs: admin, out: aout, line: "setwipe other full", want: []string{"next wipe on other set to Full Wipe"}},
		{cs: admin, out: aout, line: "force other", want: []string{"announcement forced on other"}},
		{cs: player, out: pout, line: "history other", want: []string{"other", "full", "claire"}},
		{cs: player, out: pout, line: "history main", want: []string{"no history yet"}},
	}
	for _, s := range steps {
		if quit := s.cs.exec(ctx, s.line); quit {
			t.Fatalf("exec(%q) quit", s.line)
		}
		got := s.out.take()
		for _, w := range s.want {
			if !strings.Contains(got, w) {
				t.Errorf("%s: exec(%q) = %q, missing %q", s.cs.user.Name, s.line, got, w)
			}
		}
		for _, n := range s.not {
			if strings.Contains(got, n) {
				t.Errorf("%s: exec(%q) = %q, shouldn't contain %q", s.cs.user.Name, s.line, got, n)
			}
		}
	}

	for _, line := range []string{"quit", "exit", "logout", "q"} {
		if !player.exec(ctx, line) {
			t.Errorf("exec(%q) didn't quit", line)
		}
	}
}

func TestConsoleVote(t *testing.T) {
	b := newTestBackend(t, &fakeTransport{})
	openPoll(t, b, "main")
	u, _ := b.config.User("player")
	out := &bufPrinter{}
	cs := b.newConsole(u, out)
	ctx := context.Background()

	cs.exec(ctx, "vote main bp")
	if got := out.take(); !strings.Contains(got, "vote for Blueprint Only recorded on main") {
		t.Errorf("vote = %q", got)
	}
	cs.exec(ctx, "poll main")
	got := out.take()
	for _, w := range []string{"Poll on", "You voted blueprint", "> blueprint"} {
		if !strings.Contains(got, w) {
			t.Errorf("poll = %q, missing %q", got, w)
		}
	}
	s, ok := b.coord.ActiveSession("main")
	if !ok {
		t.Fatal("poll closed")
	}
	if c, _ := s.Choice("player"); c != wipe.Blueprint {
		t.Errorf("Choice(player) = %q, want blueprint", c)
	}

	// admins are told their override doesn't stop the poll
	admin, _ := b.config.User("claire")
	aout := &bufPrinter{}
	b.newConsole(admin, aout).exec(ctx, "setwipe main map")
	if got := aout.take(); !strings.Contains(got, "the open poll on main still applies") {
		t.Errorf("setwipe = %q", got)
	}
}

func TestConsoleWatch(t *testing.T) {
	b := newTestBackend(t, &fakeTransport{})
	u, _ := b.config.User("player")
	out := &bufPrinter{}
	cs := b.newConsole(u, out)

	cs.exec(context.Background(), "watch")
	if b.hub.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d after watch", b.hub.Subscribers())
	}
	cs.exec(context.Background(), "watch")
	if b.hub.Subscribers() != 1 {
		t.Errorf("second watch subscribed again")
	}
	b.hub.Publish(poll.Event{Type: poll.AnnouncementForced, Server: "main", Actor: wipe.Actor{ID: "mod"}})
	waitFor(t, "event on the console", func() bool { return out.contains("mod forced a wipe announcement") })

	cs.exec(context.Background(), "unwatch")
	if b.hub.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after unwatch", b.hub.Subscribers())
	}
}

func TestAuthorizedKey(t *testing.T) {
	b := newTestBackend(t, &fakeTransport{})
	newKey := func() gossh.PublicKey {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		k, err := gossh.NewPublicKey(pub)
		if err != nil {
			t.Fatal(err)
		}
		return k
	}
	key, other := newKey(), newKey()
	u, _ := b.config.User("claire")
	u.PublicKey = string(gossh.MarshalAuthorizedKey(key))

	tests := []struct {
		user string
		key  gossh.PublicKey
		want bool
	}{
		{user: "claire", key: key, want: true},
		{user: "CLAIRE", key: key, want: true},
		{user: "claire", key: other, want: false},
		{user: "player", key: key, want: false}, // no key configured
		{user: "nobody", key: key, want: false},
	}
	for _, tc := range tests {
		if got := b.authorizedKey(tc.user, tc.key); got != tc.want {
			t.Errorf("authorizedKey(%q) = %v, want %v", tc.user, got, tc.want)
		}
	}
}

func TestCreateHostKeySigner(t *testing.T) {
	if _, err := CreateHostKeySigner("testdata/does-not-exist"); err == nil {
		t.Error("CreateHostKeySigner() with a missing file didn't fail")
	}
}
