// An SSH server is used to provide interactive access to server operators and
// voters
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anmitsu/go-shlex"
	"github.com/gliderlabs/ssh"
	"github.com/packetflinger/wipeadmind/config"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/schedule"
	"github.com/packetflinger/wipeadmind/util"
	"github.com/packetflinger/wipeadmind/wipe"
	"golang.org/x/term"

	gossh "golang.org/x/crypto/ssh"
)

const (
	TopLevelPrompt      = "wipe"
	DefaultHistoryLimit = 10
)

type CmdArgs struct {
	command string
	argc    int
	argv    []string
	args    string
}

type HelpCommands struct {
	Cmds []struct {
		Cmd  string
		Desc string
	}
	Extra string
}

const (
	helpTemplate = `
Available commands:
{{- range .Cmds}}
  {{ printf "%-28s" .Cmd }}  {{ .Desc -}}
{{end}}

{{.Extra}}
`
	serversTemplate = `
Name                  Address                 Poll    Current          Next wipe
--------------------  ----------------------  ------  ---------------  ------------------------------
{{ range . -}}
{{ printf "%-20s" .Name }}  {{ printf "%-22s" .Address }}  {{ if .Poll }}{{ printf "%-6s" "open" | green }}{{ else }}{{ printf "%-6s" "-" }}{{ end }}  {{ printf "%-15s" .Current }}  {{ .NextWipe }}
{{ end -}}
`
	pollTemplate = `
Poll on {{ .Server | bold }} ({{ .ID }})
Wipe at:        {{ .WipeAt }}
Voting closes:  {{ .ResolveAt }} ({{ .Left }})

{{ range .Options -}}
{{ if .Mine }}>{{ else }} {{ end }} {{ printf "%-10s" .Name }} {{ printf "%3d" .Votes }}  {{ .Label }} {{ .Bar }}
{{ end }}
{{ if .Mine }}You voted {{ .Mine }}.{{ else }}You haven't voted: vote {{ .Server }} <map|blueprint|full>{{ end }}
Ties and polls without votes end in a full wipe.
`
	historyTemplate = `
When              Server           Setting    By                         Result
----------------  ---------------  ---------  -------------------------  ------
{{ range . -}}
{{ .At.Format "2006-01-02 15:04" }}  {{ printf "%-15s" .Server }}  {{ printf "%-9s" .Setting }}  {{ printf "%-25s" (truncate 25 .Actor.String) }}  {{ .Success | okFail }}
{{ end -}}
`
	statusTemplate = `
Status of {{ .Server | bold }}{{ if .Strategy }} via {{ .Strategy }}{{ end }}{{ if .Soft }} {{ "(no reply)" | yellow }}{{ end }}
{{ range .Keys }}  {{ printf "%-24s" . }} {{ index $.Values . }}
{{ end }}
{{- if .Current }}
Last applied:   {{ .Current.Setting.Label }} by {{ .Current.SetBy }} ({{ .Current.SetAt.Unix | ago }})
Announcements:  {{ .Current.AnnouncementCount }}
{{- end }}
`
)

// SSHTerminal is a basic wrapper to enable making it easier to write data
// to the *term.Terminal pointer for this SSH session
type SSHTerminal struct {
	// What we're wrapping
	terminal *term.Terminal
	// Displayed to the left of the cursor while waiting for input
	prompt string
}

// printer is where console output goes. *SSHTerminal in real sessions.
type printer interface {
	Println(string)
	Printf(string, ...any)
}

// console is one logged in user's command interpreter.
type console struct {
	b    *Backend
	user *config.User
	out  printer
	tmpl *template.Template

	mu      sync.Mutex
	watchID int // 0 when not watching
}

var consoleFuncs = template.FuncMap{
	"green":   green,
	"red":     red,
	"yellow":  yellow,
	"magenta": magenta,
	"bold":    bold,
	"ago":     util.TimeAgo,
	"truncate": func(s int, str string) string {
		if len(str) > s {
			return str[0:s]
		}
		return str
	},
	"okFail": func(ok bool) string {
		if ok {
			return green("ok")
		}
		return red("failed")
	},
}

var consoleTemplates = func() *template.Template {
	t := template.New("console").Funcs(consoleFuncs)
	template.Must(t.New("help").Parse(helpTemplate))
	template.Must(t.New("servers").Parse(serversTemplate))
	template.Must(t.New("poll").Parse(pollTemplate))
	template.Must(t.New("history").Parse(historyTemplate))
	template.Must(t.New("status").Parse(statusTemplate))
	return t
}()

// Start listening for SSH connections
func (b *Backend) startSSHServer() error {
	hostkey, err := CreateHostKeySigner(b.config.SSHHostKey)
	if err != nil {
		b.log.Logf(LogLevelNormal, "SSH host key error: %v", err)
	}
	sv := &ssh.Server{
		Addr:             fmt.Sprintf("%s:%d", b.config.SSHAddress, b.config.SSHPort),
		Handler:          b.sessionHandler,
		PublicKeyHandler: b.publicKeyHandler,
	}
	if hostkey != nil {
		sv.AddHostKey(hostkey) // has to be set outside server config creation
	}
	l, err := net.Listen("tcp", sv.Addr)
	if err != nil {
		return fmt.Errorf("error listening for ssh: %v", err)
	}
	b.sshsrv = sv
	b.log.Logf(LogLevelNormal, "listening for SSH connections on %s", l.Addr())
	go func() {
		if err := sv.Serve(l); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			b.log.Logf(LogLevelNormal, "ssh server: %v", err)
		}
	}()
	return nil
}

// CreateHostKeySigner will return a Signer struct based on a private key used
// as the host key.
//
// If you don't specify a host key to identify the server at
// startup, the server will generate a new one every time. This will result in
// those super annoying "WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!"
// errors when reconnecting to the same server.
//
// You can generate a keypair using commands like:
//
//	ssh-keygen -t ed25519 -f config/hostkey
func CreateHostKeySigner(keyfile string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, fmt.Errorf("CreateHostkeySigner(%q): %v", keyfile, err)
	}
	s, err := gossh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("ParsePrivateKey() in CreateHostkeySigner(%q): %v", keyfile, err)
	}
	return s, nil
}

// sessionHandler is the "main" function for an SSH session. Once a user is
// logged in, this is concurrently called. If this function returns, the
// session is over and the connection is closed.
//
// The watch command starts a goroutine that writes events to the terminal
// while this one blocks waiting for input.
func (b *Backend) sessionHandler(s ssh.Session) {
	user, ok := b.config.User(s.User())
	if !ok {
		fmt.Fprintln(s, "unknown user")
		return
	}
	sshterm := &SSHTerminal{terminal: term.NewTerminal(s, "> ")}
	sshterm.SetPrompt(TopLevelPrompt, true)

	cs := b.newConsole(user, sshterm)
	defer cs.unwatch()

	b.log.Logf(LogLevelInfo, "ssh: %s logged in from %s", user.Name, s.RemoteAddr())
	sshterm.Printf("Hi %s, type %s for a list of commands\n", user.Name, bold("help"))
	for {
		line, err := sshterm.terminal.ReadLine()
		if err != nil {
			break
		}
		if cs.exec(s.Context(), line) {
			break
		}
	}
	b.log.Logf(LogLevelInfo, "ssh: %s logged out", user.Name)
}

func (b *Backend) newConsole(user *config.User, out printer) *console {
	return &console{b: b, user: user, out: out, tmpl: consoleTemplates}
}

// publicKeyHandler provides key-based authentication for the internal SSH
// server. The username has to match a configured user and the key has to
// match that user's public_key.
//
// Return true to allow the connection, false to deny.
func (b *Backend) publicKeyHandler(ctx ssh.Context, key ssh.PublicKey) bool {
	return b.authorizedKey(ctx.User(), key)
}

func (b *Backend) authorizedKey(name string, key ssh.PublicKey) bool {
	u, ok := b.config.User(name)
	if !ok || u.PublicKey == "" {
		return false
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(u.PublicKey))
	if err != nil {
		b.log.Logf(LogLevelNormal, "publicKeyHandler error for %q: %v", name, err)
		return false
	}
	return ssh.KeysEqual(key, pub)
}

// ParseCmdArgs breaks up the current SSH command and args. Arguments can be
// quoted.
func ParseCmdArgs(input string) (CmdArgs, error) {
	tokens, err := shlex.Split(input, true)
	if err != nil {
		return CmdArgs{}, fmt.Errorf("can't parse %q: %v", input, err)
	}
	if len(tokens) == 0 {
		return CmdArgs{}, nil
	}
	return CmdArgs{
		command: strings.ToLower(tokens[0]),
		argc:    len(tokens) - 1,
		argv:    tokens[1:],
		args:    strings.Join(tokens[1:], " "),
	}, nil
}

// exec runs one line of input. It returns true when the user wants out.
func (cs *console) exec(ctx context.Context, line string) bool {
	c, err := ParseCmdArgs(line)
	if err != nil {
		cs.out.Println(err.Error())
		return false
	}
	switch c.command {
	case "":
	case "quit", "exit", "logout", "q":
		return true
	case "help", "?":
		cs.help()
	case "servers", "server":
		cs.servers(ctx)
	case "status":
		cs.status(ctx, c)
	case "poll", "polls":
		cs.poll(c)
	case "vote":
		cs.vote(ctx, c)
	case "setwipe":
		cs.setwipe(ctx, c)
	case "force":
		cs.force(ctx, c)
	case "history":
		cs.history(ctx, c)
	case "watch":
		cs.watch()
	case "unwatch":
		cs.unwatch()
		cs.out.Println("stopped watching")
	default:
		cs.out.Printf("unknown command %q, try help\n", c.command)
	}
	return false
}

func (cs *console) render(name string, data any) {
	var msg bytes.Buffer
	if err := cs.tmpl.ExecuteTemplate(&msg, name, data); err != nil {
		cs.b.log.Logf(LogLevelNormal, "error executing %s template: %v", name, err)
		cs.out.Println("internal error")
		return
	}
	cs.out.Println(msg.String())
}

func (cs *console) help() {
	help := HelpCommands{
		Cmds: []struct {
			Cmd  string
			Desc string
		}{
			{Cmd: "help", Desc: "show this message"},
			{Cmd: "quit", Desc: "close the ssh connection"},
			{Cmd: "servers", Desc: "list servers, polls and upcoming wipes"},
			{Cmd: "poll [server]", Desc: "show open polls and their votes"},
			{Cmd: "vote <server> <setting>", Desc: "vote for map, blueprint or full"},
			{Cmd: "history [server] [count]", Desc: "show applied wipe settings"},
			{Cmd: "watch", Desc: "stream poll events to this terminal"},
			{Cmd: "unwatch", Desc: "stop streaming events"},
		},
	}
	if cs.isAdmin() {
		help.Cmds = append(help.Cmds, []struct {
			Cmd  string
			Desc string
		}{
			{Cmd: "", Desc: ""},
			{Cmd: "status <server>", Desc: "ask the server's plugin for its settings"},
			{Cmd: "setwipe <server> <setting>", Desc: "set the next wipe type directly"},
			{Cmd: "force <server>", Desc: "make the server announce the wipe now"},
		}...)
	}
	help.Extra = "Settings: map (Map Only), blueprint (Blueprint Only), full (Full Wipe (Map + BP))"
	cs.render("help", help)
}

// isAdmin is true when the user administers at least one server.
func (cs *console) isAdmin() bool {
	for i := range cs.b.config.Servers {
		if cs.user.IsAdminOf(&cs.b.config.Servers[i]) {
			return true
		}
	}
	return false
}

type serverRow struct {
	Name     string
	Address  string
	Poll     bool
	Current  string
	NextWipe string
}

func (cs *console) servers(ctx context.Context) {
	now := time.Now()
	var rows []serverRow
	for _, t := range cs.b.coord.Targets() {
		row := serverRow{Name: t.Name, Address: t.HostPort(), Current: "-", NextWipe: "-"}
		_, row.Poll = cs.b.coord.ActiveSession(t.Name)
		if cur, ok, err := cs.b.coord.Current(ctx, t.Name); err == nil && ok && cur.Setting != "" {
			row.Current = cur.Setting.Label()
		}
		if t.Schedule != nil {
			next := schedule.NextOccurrence(*t.Schedule, now)
			row.NextWipe = fmt.Sprintf("%s (%s)", next.Format("Mon Jan 2 15:04"), util.TimeUntil(next, now))
		}
		rows = append(rows, row)
	}
	cs.render("servers", rows)
}

type pollOption struct {
	Name  string
	Label string
	Votes int
	Bar   string
	Mine  bool
}

type pollView struct {
	ID        string
	Server    string
	WipeAt    string
	ResolveAt string
	Left      string
	Options   []pollOption
	Mine      string
}

func (cs *console) poll(c CmdArgs) {
	var sessions []*poll.Session
	if c.argc > 0 {
		if _, ok := cs.b.coord.Target(c.argv[0]); !ok {
			cs.out.Printf("unknown server %q\n", c.argv[0])
			return
		}
		s, ok := cs.b.coord.ActiveSession(c.argv[0])
		if !ok {
			cs.out.Printf("no open poll on %s\n", c.argv[0])
			return
		}
		sessions = append(sessions, s)
	} else {
		sessions = cs.b.coord.Sessions()
	}
	if len(sessions) == 0 {
		cs.out.Println("no open polls")
		return
	}
	now := time.Now()
	for _, s := range sessions {
		tally := s.Tally()
		mine, _ := s.Choice(cs.user.Name)
		v := pollView{
			ID:        s.ID,
			Server:    s.Server,
			WipeAt:    s.WipeAt.Format(time.RFC1123),
			ResolveAt: s.ResolveAt.Format(time.RFC1123),
			Left:      util.TimeUntil(s.ResolveAt, now),
			Mine:      string(mine),
		}
		for _, st := range wipe.Settings {
			v.Options = append(v.Options, pollOption{
				Name:  string(st),
				Label: settingColor(st),
				Votes: tally[st],
				Bar:   strings.Repeat("#", tally[st]),
				Mine:  st == mine,
			})
		}
		cs.render("poll", v)
	}
}

func (cs *console) vote(ctx context.Context, c CmdArgs) {
	if c.argc < 2 {
		cs.out.Println("Usage: vote <server> <map|blueprint|full>")
		return
	}
	setting, err := wipe.ParseSetting(c.argv[1])
	if err != nil {
		cs.out.Println("Usage: vote <server> <map|blueprint|full>")
		return
	}
	tally, err := cs.b.coord.CastVote(ctx, c.argv[0], cs.user.Name, setting)
	switch {
	case err == nil:
		cs.out.Printf("vote for %s recorded on %s [%s]\n", setting.Label(), c.argv[0], describeTally(tally))
	case errors.Is(err, poll.ErrSessionNotOpen):
		cs.out.Printf("there's no open poll on %s right now\n", c.argv[0])
	case errors.Is(err, poll.ErrUnauthorizedVoter):
		cs.out.Printf("you can't vote on %s\n", c.argv[0])
	case errors.Is(err, poll.ErrUnknownServer):
		cs.out.Printf("unknown server %q\n", c.argv[0])
	default:
		cs.out.Printf("vote failed: %v\n", err)
	}
}

func (cs *console) setwipe(ctx context.Context, c CmdArgs) {
	if c.argc < 2 {
		cs.out.Println("Usage: setwipe <server> <map|blueprint|full>")
		return
	}
	setting, err := wipe.ParseSetting(c.argv[1])
	if err != nil {
		cs.out.Println("Usage: setwipe <server> <map|blueprint|full>")
		return
	}
	rec, err := cs.b.coord.SetWipeType(ctx, c.argv[0], setting, cs.user.Name)
	if !cs.adminError(c.argv[0], err) {
		return
	}
	if err != nil {
		cs.out.Println(red(fmt.Sprintf("setting %s on %s failed: %v", setting.Label(), c.argv[0], err)))
		return
	}
	cs.out.Println(green(fmt.Sprintf("next wipe on %s set to %s", c.argv[0], setting.Label())) + " (" + rec.Reply + ")")
	if s, ok := cs.b.coord.ActiveSession(c.argv[0]); ok {
		cs.out.Println(yellow(fmt.Sprintf("note: the open poll on %s still applies its own result %s", c.argv[0], util.TimeUntil(s.ResolveAt, time.Now()))))
	}
}

func (cs *console) force(ctx context.Context, c CmdArgs) {
	if c.argc < 1 {
		cs.out.Println("Usage: force <server>")
		return
	}
	reply, err := cs.b.coord.ForceAnnouncement(ctx, c.argv[0], cs.user.Name)
	if !cs.adminError(c.argv[0], err) {
		return
	}
	if err != nil {
		cs.out.Println(red(fmt.Sprintf("forcing announcement on %s failed: %v", c.argv[0], err)))
		return
	}
	cs.out.Printf("announcement forced on %s: %s\n", c.argv[0], reply.Text)
}

// adminError prints the common permission and lookup failures. It returns
// false when the caller should stop.
func (cs *console) adminError(server string, err error) bool {
	switch {
	case errors.Is(err, poll.ErrUnauthorized):
		cs.out.Printf("you don't have admin rights on %s\n", server)
		return false
	case errors.Is(err, poll.ErrUnknownServer):
		cs.out.Printf("unknown server %q\n", server)
		return false
	}
	return true
}

type statusView struct {
	Server   string
	Strategy string
	Soft     bool
	Keys     []string
	Values   map[string]string
	Current  *wipe.Current
}

func (cs *console) status(ctx context.Context, c CmdArgs) {
	if c.argc < 1 {
		cs.out.Println("Usage: status <server>")
		return
	}
	name := c.argv[0]
	srv, ok := cs.b.config.Server(name)
	if !ok {
		cs.out.Printf("unknown server %q\n", name)
		return
	}
	if !cs.user.IsAdminOf(srv) {
		cs.out.Printf("you don't have admin rights on %s\n", name)
		return
	}
	values, reply, err := cs.b.coord.Status(ctx, name)
	if err != nil {
		cs.out.Println(red(fmt.Sprintf("status of %s failed: %v", name, err)))
		return
	}
	v := statusView{
		Server:   name,
		Strategy: reply.Strategy,
		Soft:     reply.Soft,
		Keys:     util.SortedKeys(values),
		Values:   values,
	}
	if cur, ok, err := cs.b.coord.Current(ctx, name); err == nil && ok && cur.Setting != "" {
		v.Current = &cur
	}
	cs.render("status", v)
}

func (cs *console) history(ctx context.Context, c CmdArgs) {
	server, limit := "", DefaultHistoryLimit
	for _, arg := range c.argv {
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			limit = n
			continue
		}
		server = arg
	}
	records, err := cs.b.coord.History(ctx, server, limit)
	if errors.Is(err, poll.ErrUnknownServer) {
		cs.out.Printf("unknown server %q\n", server)
		return
	}
	if err != nil {
		cs.out.Printf("history: %v\n", err)
		return
	}
	if len(records) == 0 {
		cs.out.Println("no history yet")
		return
	}
	cs.render("history", records)
}

// watch streams hub events to the terminal until unwatch or logout.
func (cs *console) watch() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.watchID != 0 {
		cs.out.Println("already watching")
		return
	}
	id, events := cs.b.hub.Subscribe()
	if id < 0 {
		cs.out.Println("shutting down")
		return
	}
	cs.watchID = id
	cs.out.Println(yellow("* watching poll events, unwatch to stop *"))
	go func() {
		for e := range events {
			cs.out.Println(fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), magenta(DescribeEvent(e))))
		}
	}()
}

func (cs *console) unwatch() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.watchID == 0 {
		return
	}
	cs.b.hub.Unsubscribe(cs.watchID)
	cs.watchID = 0
}

// Println will send str to the SSH terminal. If the input string is missing
// a newline, it's added before sending.
func (t *SSHTerminal) Println(str string) {
	if str == "" {
		return
	}
	if !strings.HasSuffix(str, "\n") {
		str += "\n"
	}
	t.terminal.Write([]byte(str))
}

// Printf is a wrapper to emulate the functionality of fmt.Printf and output
// to the SSH terminal.
func (t *SSHTerminal) Printf(format string, a ...any) {
	if format == "" {
		return
	}
	str := fmt.Sprintf(format, a...)
	t.terminal.Write([]byte(str))
}

// SetPrompt will set the current terminal's prompt to the s arg. The save arg
// will cause the terminal to keep a local copy of the prompt. This will allow
// for restoring it back to a previous value after a temporary change.
//
// The "> " is appended to the end when set, don't include that manually.
func (t *SSHTerminal) SetPrompt(s string, save bool) {
	if s == "" {
		return
	}
	if save {
		t.prompt = s
	}
	t.terminal.SetPrompt(s + "> ")
}

// RestorePrompt will change the prompt back to whatever value is set in the
// `prompt` property. This is only useful if SetPrompt() is used with the
// `save` property as false.
func (t *SSHTerminal) RestorePrompt() {
	if t.prompt == "" {
		t.prompt = TopLevelPrompt
	}
	t.SetPrompt(t.prompt, false)
}
