// Package wipe holds the types shared by everything that deals with a server
// wipe: which kind of wipe, which server, who asked for it and what happened.
package wipe

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/packetflinger/wipeadmind/schedule"
)

// Setting is the scope of the next wipe on a server.
type Setting string

const (
	Map       Setting = "map"
	Blueprint Setting = "blueprint"
	Full      Setting = "full"
)

// Settings lists every valid setting in display order.
var Settings = []Setting{Map, Blueprint, Full}

var ErrInvalidSetting = errors.New("invalid wipe setting")

// ParseSetting accepts the identifier or a few common aliases.
func ParseSetting(s string) (Setting, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "map", "m":
		return Map, nil
	case "blueprint", "blueprints", "bp", "b":
		return Blueprint, nil
	case "full", "f", "both":
		return Full, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSetting, s)
}

func (s Setting) Valid() bool {
	return s == Map || s == Blueprint || s == Full
}

func (s Setting) String() string {
	return string(s)
}

// Label is the human readable name
func (s Setting) Label() string {
	switch s {
	case Map:
		return "Map Only"
	case Blueprint:
		return "Blueprint Only"
	case Full:
		return "Full Wipe (Map + BP)"
	}
	return "Unknown"
}

func (s Setting) Emoji() string {
	switch s {
	case Map:
		return "\U0001F5FA️"
	case Blueprint:
		return "\U0001F4CB"
	case Full:
		return "\U0001F4A5"
	}
	return "❓"
}

// Target is one remote game server as loaded from the config. Nothing
// changes it after startup.
type Target struct {
	Name      string         // unique key
	Address   string         // ip or hostname
	Port      int            // rcon port
	Password  string         // rcon password
	Announce  string         // opaque destination handle, passed through to presenters
	AdminRole string         // role allowed to override this server
	Schedule  *schedule.Rule // nil if the server has no recurring wipe
}

// HostPort is the dialable "address:port" for the console.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

type ActorKind string

const (
	ActorVoter  ActorKind = "voter"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// Actor is whoever is responsible for a setting being applied.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
}

// SystemActor is used when no votes (or a tie) fall back to the default.
var SystemActor = Actor{Kind: ActorSystem, ID: "system", Name: "system default"}

func (a Actor) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// HistoryRecord is written exactly once per attempt to apply a setting and
// never changed afterwards.
type HistoryRecord struct {
	ID      string    `json:"id"`
	Server  string    `json:"server"`
	Setting Setting   `json:"setting"`
	Actor   Actor     `json:"actor"`
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Reply   string    `json:"reply,omitempty"`
}

// Current is the last setting successfully applied to a server.
type Current struct {
	Server            string    `json:"server"`
	Setting           Setting   `json:"setting,omitempty"`
	SetBy             Actor     `json:"set_by"`
	SetAt             time.Time `json:"set_at"`
	LastAnnouncement  time.Time `json:"last_announcement,omitzero"`
	AnnouncementCount int       `json:"announcement_count"`
}
