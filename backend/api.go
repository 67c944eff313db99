package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/packetflinger/wipeadmind/config"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/schedule"
	"github.com/packetflinger/wipeadmind/util"
	"github.com/packetflinger/wipeadmind/wipe"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10

	httpReadTimeout   = 15 * time.Second
	httpTimeoutMargin = 5 * time.Second
)

// needed for upgrading the websockets
var WSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1500,
	WriteBufferSize: 1500,
}

var errNoIdentity = errors.New("missing or invalid credentials")

type apiServer struct {
	Name     string        `json:"name"`
	Address  string        `json:"address"`
	Announce string        `json:"announce,omitempty"`
	Schedule string        `json:"schedule,omitempty"`
	NextWipe *time.Time    `json:"next_wipe,omitempty"`
	Poll     *apiPoll      `json:"poll,omitempty"`
	Current  *wipe.Current `json:"current,omitempty"`
	Status   *ServerStatus `json:"status,omitempty"`
}

type apiPoll struct {
	ID        string     `json:"id"`
	Server    string     `json:"server"`
	State     string     `json:"state"`
	WipeAt    time.Time  `json:"wipe_at"`
	OpensAt   time.Time  `json:"opens_at"`
	ResolveAt time.Time  `json:"resolve_at"`
	Tally     poll.Tally `json:"tally"`
	Voters    int        `json:"voters"`
	Mine      string     `json:"mine,omitempty"`
}

type apiSettingRequest struct {
	Setting string `json:"setting"`
}

type apiVoteResponse struct {
	Server  string       `json:"server"`
	Setting wipe.Setting `json:"setting"`
	Tally   poll.Tally   `json:"tally"`
}

type apiReply struct {
	Server   string            `json:"server"`
	Reply    string            `json:"reply,omitempty"`
	Soft     bool              `json:"soft,omitempty"`
	Strategy string            `json:"strategy,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
}

type apiToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// writeTimeout has to outlast a console command that fails over through
// every strategy, each getting the full rcon timeout.
func (b *Backend) writeTimeout() time.Duration {
	d := time.Duration(len(b.config.Strategies))*b.config.RCONTimeout.Duration + httpTimeoutMargin
	return max(d, httpReadTimeout)
}

// Start listening for API requests
func (b *Backend) startHTTPServer() error {
	listen := fmt.Sprintf("%s:%d", b.config.APIAddress, b.config.APIPort)
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("error listening for http: %v", err)
	}
	b.httpsrv = &http.Server{
		Handler:      b.LoadAPIRoutes(),
		Addr:         listen,
		WriteTimeout: b.writeTimeout(),
		ReadTimeout:  httpReadTimeout,
	}
	b.log.Logf(LogLevelNormal, "Listening for API requests on http://%s", l.Addr())
	go func() {
		if err := b.httpsrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Logf(LogLevelNormal, "http server: %v", err)
		}
	}()
	return nil
}

// requestUser figures out who is calling. Credentials are either an api key
// or a session token, as a bearer token or in the `key` or `token` query
// parameters (browsers can't set headers on websockets).
func (b *Backend) requestUser(r *http.Request) (*config.User, error) {
	cred := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		cred = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cred == "" {
		cred = r.URL.Query().Get("key")
	}
	if cred == "" {
		cred = r.URL.Query().Get("token")
	}
	if cred == "" {
		return nil, errNoIdentity
	}
	if u, ok := b.config.UserByAPIKey(cred); ok {
		return u, nil
	}
	name, err := ValidateSessionToken(cred, b.secret)
	if err != nil {
		b.log.Logf(LogLevelDebug, "api auth from %s: %v", r.RemoteAddr, err)
		return nil, errNoIdentity
	}
	if u, ok := b.config.User(name); ok {
		return u, nil
	}
	return nil, errNoIdentity
}

// authenticated wraps the common "who are you" step. It writes the 401 itself.
func (b *Backend) authenticated(w http.ResponseWriter, r *http.Request) (*config.User, bool) {
	u, err := b.requestUser(r)
	if err != nil {
		b.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return u, true
}

func (b *Backend) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Logf(LogLevelNormal, "error writing %d response: %v", code, err)
	}
}

func (b *Backend) writeError(w http.ResponseWriter, code int, msg string) {
	b.writeJSON(w, code, map[string]string{"error": msg})
}

// errorStatus maps the coordinator's errors to response codes.
func errorStatus(err error) int {
	var te *rcon.TransportError
	switch {
	case errors.Is(err, poll.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, poll.ErrUnauthorized), errors.Is(err, poll.ErrUnauthorizedVoter):
		return http.StatusForbidden
	case errors.Is(err, poll.ErrSessionNotOpen):
		return http.StatusConflict
	case errors.Is(err, wipe.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func pollJSON(s *poll.Session, user string) *apiPoll {
	tally := s.Tally()
	p := &apiPoll{
		ID:        s.ID,
		Server:    s.Server,
		State:     s.State.String(),
		WipeAt:    s.WipeAt,
		OpensAt:   s.OpensAt,
		ResolveAt: s.ResolveAt,
		Tally:     tally,
		Voters:    tally.Total(),
	}
	if mine, ok := s.Choice(user); ok {
		p.Mine = string(mine)
	}
	return p
}

func (b *Backend) APIServersHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	now := time.Now()
	out := []apiServer{}
	for _, t := range b.coord.Targets() {
		s := apiServer{Name: t.Name, Address: t.HostPort(), Announce: t.Announce}
		if t.Schedule != nil {
			next := schedule.NextOccurrence(*t.Schedule, now)
			s.Schedule = t.Schedule.String()
			s.NextWipe = &next
		}
		if sess, ok := b.coord.ActiveSession(t.Name); ok {
			s.Poll = pollJSON(sess, u.Name)
		}
		if cur, ok, err := b.coord.Current(r.Context(), t.Name); err == nil && ok {
			s.Current = &cur
		}
		if st, ok := b.LastStatus(t.Name); ok {
			s.Status = &st
		}
		out = append(out, s)
	}
	b.writeJSON(w, http.StatusOK, out)
}

func (b *Backend) APIPollHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	if _, ok := b.coord.Target(name); !ok {
		b.writeError(w, http.StatusNotFound, poll.ErrUnknownServer.Error())
		return
	}
	s, ok := b.coord.ActiveSession(name)
	if !ok {
		b.writeError(w, http.StatusNotFound, poll.ErrSessionNotOpen.Error())
		return
	}
	b.writeJSON(w, http.StatusOK, pollJSON(s, u.Name))
}

// readSetting decodes {"setting": "..."} from the body.
func readSetting(w http.ResponseWriter, r *http.Request) (wipe.Setting, error) {
	var req apiSettingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %v", wipe.ErrInvalidSetting, err)
	}
	return wipe.ParseSetting(req.Setting)
}

func (b *Backend) APIVoteHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	setting, err := readSetting(w, r)
	if err != nil {
		b.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tally, err := b.coord.CastVote(r.Context(), name, u.Name, setting)
	if err != nil {
		b.writeError(w, errorStatus(err), err.Error())
		return
	}
	b.writeJSON(w, http.StatusOK, apiVoteResponse{Server: name, Setting: setting, Tally: tally})
}

func (b *Backend) APISetWipeHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	setting, err := readSetting(w, r)
	if err != nil {
		b.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := b.coord.SetWipeType(r.Context(), name, setting, u.Name)
	if err != nil {
		b.writeError(w, errorStatus(err), err.Error())
		return
	}
	b.writeJSON(w, http.StatusOK, rec)
}

func (b *Backend) APIForceHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	reply, err := b.coord.ForceAnnouncement(r.Context(), name, u.Name)
	if err != nil {
		b.writeError(w, errorStatus(err), err.Error())
		return
	}
	b.writeJSON(w, http.StatusOK, apiReply{Server: name, Reply: reply.Text, Soft: reply.Soft, Strategy: reply.Strategy})
}

// Status queries the server live, so it's limited to the server's admins.
func (b *Backend) APIStatusHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	srv, ok := b.config.Server(name)
	if !ok {
		b.writeError(w, http.StatusNotFound, poll.ErrUnknownServer.Error())
		return
	}
	if !u.IsAdminOf(srv) {
		b.writeError(w, http.StatusForbidden, poll.ErrUnauthorized.Error())
		return
	}
	values, reply, err := b.coord.Status(r.Context(), name)
	if err != nil {
		b.writeError(w, errorStatus(err), err.Error())
		return
	}
	b.writeJSON(w, http.StatusOK, apiReply{Server: name, Reply: reply.Text, Soft: reply.Soft, Strategy: reply.Strategy, Values: values})
}

func (b *Backend) APIHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.authenticated(w, r); !ok {
		return
	}
	limit := DefaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			b.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := b.coord.History(r.Context(), r.URL.Query().Get("server"), limit)
	if err != nil {
		b.writeError(w, errorStatus(err), err.Error())
		return
	}
	if records == nil {
		records = []wipe.HistoryRecord{}
	}
	b.writeJSON(w, http.StatusOK, records)
}

// APITokenHandler trades an api key (or a still valid token) for a new
// session token.
func (b *Backend) APITokenHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	token, err := CreateSessionToken(u.Name, util.GenerateUUID(), SessionLength, b.secret)
	if err != nil {
		b.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b.log.Logf(LogLevelInfo, "api: session token issued to %s", u.Name)
	b.writeJSON(w, http.StatusOK, apiToken{
		Token:   token,
		Expires: time.Now().Add(SessionLength * time.Second).UTC(),
	})
}

// APIEventsHandler streams poll events as JSON over a websocket until the
// client goes away or we shut down. `?server=name` limits it to one server.
func (b *Backend) APIEventsHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := b.authenticated(w, r)
	if !ok {
		return
	}
	only := r.URL.Query().Get("server")
	if only != "" {
		if _, ok := b.coord.Target(only); !ok {
			b.writeError(w, http.StatusNotFound, poll.ErrUnknownServer.Error())
			return
		}
	}
	conn, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Logf(LogLevelInfo, "websocket upgrade for %s: %v", u.Name, err)
		return
	}
	defer conn.Close()

	id, events := b.hub.Subscribe()
	defer b.hub.Unsubscribe(id)
	b.log.Logf(LogLevelInfo, "api: %s watching events from %s", u.Name, r.RemoteAddr)

	// reader: we don't expect anything but pongs and the close frame
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			if only != "" && e.Server != only {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
