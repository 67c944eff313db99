// Package database keeps polls, votes, wipe history and the current wipe
// setting of every server in a sqlite file.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/wipe"
)

const (
	schema = `
CREATE TABLE IF NOT EXISTS "poll_session" (
	"id"			TEXT NOT NULL,
	"server"		TEXT NOT NULL,
	"announce"		TEXT,
	"wipe_at"		INTEGER,
	"opens_at"		INTEGER,
	"resolve_at"	INTEGER,
	"state"			INTEGER,
	"winner"		TEXT,
	"defaulted"		INTEGER DEFAULT 0,
	"resolved_at"	INTEGER DEFAULT 0,
	"pushed"		INTEGER DEFAULT 0,
	"reply"			TEXT,
	PRIMARY KEY("id")
);
CREATE TABLE IF NOT EXISTS "poll_vote" (
	"session_id"	TEXT NOT NULL,
	"voter"			TEXT NOT NULL,
	"setting"		TEXT NOT NULL,
	PRIMARY KEY("session_id", "voter")
);
CREATE TABLE IF NOT EXISTS "wipe_history" (
	"id"			TEXT NOT NULL,
	"server"		TEXT NOT NULL,
	"wipe_type"		TEXT NOT NULL,
	"actor_kind"	TEXT,
	"actor_id"		TEXT,
	"actor_name"	TEXT,
	"executed_at"	INTEGER,
	"success"		INTEGER,
	"reply"			TEXT,
	PRIMARY KEY("id")
);
CREATE INDEX IF NOT EXISTS "wipe_history_server" ON "wipe_history" ("server", "executed_at");
CREATE TABLE IF NOT EXISTS "wipe_settings" (
	"server_name"			TEXT NOT NULL,
	"wipe_type"				TEXT,
	"set_by_kind"			TEXT,
	"set_by_id"				TEXT,
	"set_by_name"			TEXT,
	"set_at"				INTEGER DEFAULT 0,
	"last_announcement"		INTEGER DEFAULT 0,
	"announcement_count"	INTEGER DEFAULT 0,
	PRIMARY KEY("server_name")
);`

	upsertSession = `
INSERT INTO poll_session (id, server, announce, wipe_at, opens_at, resolve_at, state, winner, defaulted, resolved_at, pushed, reply)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	winner = excluded.winner,
	defaulted = excluded.defaulted,
	resolved_at = excluded.resolved_at,
	pushed = excluded.pushed,
	reply = excluded.reply`

	selectSessions = `
SELECT id, server, announce, wipe_at, opens_at, resolve_at, state, winner, defaulted, resolved_at, pushed, reply
FROM poll_session WHERE state = ?`

	selectInterrupted = `
SELECT id, server, announce, wipe_at, opens_at, resolve_at, state, winner, defaulted, resolved_at, pushed, reply
FROM poll_session WHERE state = ? AND pushed = 0 AND (reply IS NULL OR reply = '')`

	selectVotes = `SELECT voter, setting FROM poll_vote WHERE session_id = ?`

	insertHistory = `
INSERT INTO wipe_history (id, server, wipe_type, actor_kind, actor_id, actor_name, executed_at, success, reply)
VALUES (?,?,?,?,?,?,?,?,?)`

	selectHistory = `
SELECT id, server, wipe_type, actor_kind, actor_id, actor_name, executed_at, success, reply
FROM wipe_history WHERE (? = '' OR server = ?)
ORDER BY executed_at DESC, rowid DESC LIMIT ?`

	upsertCurrent = `
INSERT INTO wipe_settings (server_name, wipe_type, set_by_kind, set_by_id, set_by_name, set_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(server_name) DO UPDATE SET
	wipe_type = excluded.wipe_type,
	set_by_kind = excluded.set_by_kind,
	set_by_id = excluded.set_by_id,
	set_by_name = excluded.set_by_name,
	set_at = excluded.set_at`

	upsertAnnouncement = `
INSERT INTO wipe_settings (server_name, last_announcement, announcement_count)
VALUES (?,?,1)
ON CONFLICT(server_name) DO UPDATE SET
	last_announcement = excluded.last_announcement,
	announcement_count = announcement_count + 1`

	selectCurrent = `
SELECT server_name, wipe_type, set_by_kind, set_by_id, set_by_name, set_at, last_announcement, announcement_count
FROM wipe_settings WHERE server_name = ?`
)

// A struct for holding all our DB stuff
type Database struct {
	Handle *sql.DB
}

// Open will open the database file and return a struct that holds the handle
// to the db. If no database file exists, a new one will be created.
func Open(filename string) (Database, error) {
	var database Database
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return database, fmt.Errorf("error opening database: %v", err)
	}
	// sqlite only has one writer anyway, and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return database, fmt.Errorf("error pinging database: %v", err)
	}
	row := db.QueryRow("PRAGMA schema_version")
	var version int
	err = row.Scan(&version)
	if err != nil {
		return database, fmt.Errorf("error scanning db schema: %v", err)
	}
	if version == 0 {
		_, err := db.Exec(schema)
		if err != nil {
			return database, fmt.Errorf("error loading db schema: %v", err)
		}
	}
	database.Handle = db
	return database, nil
}

func (d Database) Close() error {
	return d.Handle.Close()
}

// SaveSession writes the session and replaces its votes. The open, resolve
// and wipe times are written once and never updated.
func (d Database) SaveSession(ctx context.Context, s *poll.Session) error {
	tx, err := d.Handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, upsertSession,
		s.ID, s.Server, s.Announce,
		unix(s.WipeAt), unix(s.OpensAt), unix(s.ResolveAt),
		int(s.State), string(s.Winner), s.Defaulted, unix(s.ResolvedAt), s.Pushed, s.Reply,
	)
	if err != nil {
		return fmt.Errorf("error saving session %s: %v", s.ID, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM poll_vote WHERE session_id = ?", s.ID); err != nil {
		return fmt.Errorf("error clearing votes for %s: %v", s.ID, err)
	}
	st, err := tx.PrepareContext(ctx, "INSERT INTO poll_vote (session_id, voter, setting) VALUES (?,?,?)")
	if err != nil {
		return fmt.Errorf("error preparing vote insert: %v", err)
	}
	defer st.Close()
	for _, setting := range wipe.Settings {
		for _, voter := range s.Voters(setting) {
			if _, err := st.ExecContext(ctx, s.ID, voter, string(setting)); err != nil {
				return fmt.Errorf("error inserting vote: %v", err)
			}
		}
	}
	return tx.Commit()
}

// OpenSessions loads every session still waiting for resolution, with its
// votes.
func (d Database) OpenSessions(ctx context.Context) ([]*poll.Session, error) {
	return d.querySessions(ctx, selectSessions, int(poll.StateOpen))
}

// InterruptedSessions loads resolved sessions whose push never reported
// back, with their votes.
func (d Database) InterruptedSessions(ctx context.Context) ([]*poll.Session, error) {
	return d.querySessions(ctx, selectInterrupted, int(poll.StateResolved))
}

func (d Database) querySessions(ctx context.Context, query string, args ...any) ([]*poll.Session, error) {
	rows, err := d.Handle.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %v", err)
	}
	var sessions []*poll.Session
	for rows.Next() {
		var (
			s                                      poll.Session
			wipeAt, opensAt, resolveAt, resolvedAt int64
			state                                  int
			winner, announce, reply                sql.NullString
		)
		err := rows.Scan(&s.ID, &s.Server, &announce, &wipeAt, &opensAt, &resolveAt, &state, &winner, &s.Defaulted, &resolvedAt, &s.Pushed, &reply)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning session: %v", err)
		}
		s.Announce = announce.String
		s.WipeAt, s.OpensAt, s.ResolveAt, s.ResolvedAt = fromUnix(wipeAt), fromUnix(opensAt), fromUnix(resolveAt), fromUnix(resolvedAt)
		s.State = poll.State(state)
		s.Winner = wipe.Setting(winner.String)
		s.Reply = reply.String
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error reading sessions: %v", err)
	}
	rows.Close()

	for _, s := range sessions {
		if err := d.loadVotes(ctx, s); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (d Database) loadVotes(ctx context.Context, s *poll.Session) error {
	s.Votes = make(map[wipe.Setting]map[string]struct{})
	for _, st := range wipe.Settings {
		s.Votes[st] = make(map[string]struct{})
	}
	rows, err := d.Handle.QueryContext(ctx, selectVotes, s.ID)
	if err != nil {
		return fmt.Errorf("error querying votes for %s: %v", s.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var voter, setting string
		if err := rows.Scan(&voter, &setting); err != nil {
			return fmt.Errorf("error scanning vote: %v", err)
		}
		st := wipe.Setting(setting)
		if !st.Valid() {
			continue
		}
		s.Votes[st][voter] = struct{}{}
	}
	return rows.Err()
}

func (d Database) AppendHistory(ctx context.Context, r wipe.HistoryRecord) error {
	_, err := d.Handle.ExecContext(ctx, insertHistory,
		r.ID, r.Server, string(r.Setting),
		string(r.Actor.Kind), r.Actor.ID, r.Actor.Name,
		unix(r.At), r.Success, r.Reply,
	)
	if err != nil {
		return fmt.Errorf("error inserting history: %v", err)
	}
	return nil
}

// History returns the newest records first. An empty server means all
// servers, a limit of 0 means no limit.
func (d Database) History(ctx context.Context, server string, limit int) ([]wipe.HistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.Handle.QueryContext(ctx, selectHistory, server, server, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %v", err)
	}
	defer rows.Close()
	var out []wipe.HistoryRecord
	for rows.Next() {
		var (
			r               wipe.HistoryRecord
			setting, kind   string
			id, name, reply sql.NullString
			at              int64
		)
		err := rows.Scan(&r.ID, &r.Server, &setting, &kind, &id, &name, &at, &r.Success, &reply)
		if err != nil {
			return nil, fmt.Errorf("error scanning history: %v", err)
		}
		r.Setting = wipe.Setting(setting)
		r.Actor = wipe.Actor{Kind: wipe.ActorKind(kind), ID: id.String, Name: name.String}
		r.At = fromUnix(at)
		r.Reply = reply.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetCurrent records the setting last applied to a server. Announcement
// bookkeeping is left alone.
func (d Database) SetCurrent(ctx context.Context, c wipe.Current) error {
	_, err := d.Handle.ExecContext(ctx, upsertCurrent,
		c.Server, string(c.Setting),
		string(c.SetBy.Kind), c.SetBy.ID, c.SetBy.Name, unix(c.SetAt),
	)
	if err != nil {
		return fmt.Errorf("error saving current setting for %s: %v", c.Server, err)
	}
	return nil
}

func (d Database) RecordAnnouncement(ctx context.Context, server string, at time.Time) error {
	_, err := d.Handle.ExecContext(ctx, upsertAnnouncement, server, unix(at))
	if err != nil {
		return fmt.Errorf("error recording announcement for %s: %v", server, err)
	}
	return nil
}

func (d Database) Current(ctx context.Context, server string) (wipe.Current, bool, error) {
	var (
		c                       wipe.Current
		setting, kind, id, name sql.NullString
		setAt, lastAnnouncement int64
	)
	row := d.Handle.QueryRowContext(ctx, selectCurrent, server)
	err := row.Scan(&c.Server, &setting, &kind, &id, &name, &setAt, &lastAnnouncement, &c.AnnouncementCount)
	if errors.Is(err, sql.ErrNoRows) {
		return wipe.Current{}, false, nil
	}
	if err != nil {
		return wipe.Current{}, false, fmt.Errorf("error reading current setting for %s: %v", server, err)
	}
	c.Setting = wipe.Setting(setting.String)
	c.SetBy = wipe.Actor{Kind: wipe.ActorKind(kind.String), ID: id.String, Name: name.String}
	c.SetAt = fromUnix(setAt)
	c.LastAnnouncement = fromUnix(lastAnnouncement)
	return c, true, nil
}

// times are stored as unix seconds, 0 for unset
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
