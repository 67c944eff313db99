// Package config loads the daemon's JSON configuration. The result is
// validated once at startup and not changed afterwards; everything that needs
// settings gets the *Config passed in.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/packetflinger/wipeadmind/logging"
	"github.com/packetflinger/wipeadmind/poll"
	"github.com/packetflinger/wipeadmind/rcon"
	"github.com/packetflinger/wipeadmind/schedule"
	"github.com/packetflinger/wipeadmind/wipe"
)

const (
	DefaultDatabase       = "wipe_data.db"
	DefaultLogFile        = "wipeadmind.log"
	DefaultTickInterval   = 5 * time.Minute
	DefaultStatusInterval = 5 * time.Minute
	DefaultAPIPort        = 8087
	DefaultSSHPort        = 2222
	DefaultSSHHostKey     = "config/hostkey"
)

var DefaultStrategies = []string{"source", "webrcon"}

// Duration is a time.Duration written as "48h" or "90s" in the file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %s", b)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	VerboseLevel   int      `json:"verbose_level"`
	LogFile        string   `json:"log_file"`
	Database       string   `json:"database"`
	LeadTime       Duration `json:"lead_time"`
	TickInterval   Duration `json:"tick_interval"`
	StatusInterval Duration `json:"status_interval"`
	RCONTimeout    Duration `json:"rcon_timeout"`
	Strategies     []string `json:"strategies"`

	APIEnabled bool   `json:"api_enabled"`
	APIAddress string `json:"api_address"`
	APIPort    int    `json:"api_port"`
	APISecret  string `json:"api_secret"` // signs api session tokens, random if short

	SSHEnabled bool   `json:"ssh_enabled"`
	SSHAddress string `json:"ssh_address"`
	SSHPort    int    `json:"ssh_port"`
	SSHHostKey string `json:"ssh_hostkey"`

	Users   []User   `json:"users"`
	Servers []Server `json:"servers"`
}

// User is someone who can vote, and maybe administer servers, through the
// SSH console or the API.
type User struct {
	Name      string   `json:"name"`
	Admin     bool     `json:"admin"`      // everything, everywhere
	Roles     []string `json:"roles"`      // matched against Server.AdminRole
	PublicKey string   `json:"public_key"` // authorized_keys format, for ssh
	APIKey    string   `json:"api_key"`
}

type Server struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	RCONPort     int       `json:"rcon_port"`
	RCONPassword string    `json:"rcon_password"`
	Announce     string    `json:"announce"`
	AdminRole    string    `json:"admin_role"`
	Disabled     bool      `json:"disabled"`
	Schedule     *Schedule `json:"schedule"`
}

type Schedule struct {
	Kind    string `json:"kind"`
	Weekday string `json:"weekday"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
}

func (s *Schedule) Rule() (schedule.Rule, error) {
	return schedule.ParseRule(s.Kind, s.Weekday, s.Hour, s.Minute)
}

// Load reads and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a config. Unknown keys are an error so typos
// don't silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.LeadTime.Duration == 0 {
		c.LeadTime.Duration = poll.DefaultLeadTime
	}
	if c.TickInterval.Duration == 0 {
		c.TickInterval.Duration = DefaultTickInterval
	}
	if c.StatusInterval.Duration == 0 {
		c.StatusInterval.Duration = DefaultStatusInterval
	}
	if c.RCONTimeout.Duration == 0 {
		c.RCONTimeout.Duration = rcon.DefaultTimeout
	}
	if len(c.Strategies) == 0 {
		c.Strategies = slices.Clone(DefaultStrategies)
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.SSHHostKey == "" {
		c.SSHHostKey = DefaultSSHHostKey
	}
}

// Validate checks everything that can be checked without touching the
// network. A bad schedule comes back as a *schedule.ScheduleError.
func (c *Config) Validate() error {
	if c.VerboseLevel < logging.LogLevelNormal || c.VerboseLevel > logging.LogLevelAll {
		return fmt.Errorf("verbose_level %d out of range", c.VerboseLevel)
	}
	if c.LeadTime.Duration <= poll.ResolveBefore {
		return fmt.Errorf("lead_time %v must be longer than %v", c.LeadTime, poll.ResolveBefore)
	}
	if c.TickInterval.Duration < time.Second {
		return fmt.Errorf("tick_interval %v is too short", c.TickInterval)
	}
	if c.StatusInterval.Duration < 0 {
		return fmt.Errorf("status_interval %v is negative", c.StatusInterval)
	}
	if c.RCONTimeout.Duration < 0 {
		return fmt.Errorf("rcon_timeout %v is negative", c.RCONTimeout)
	}
	if _, err := rcon.NewFromNames(logging.Discard(), c.Strategies); err != nil {
		return err
	}
	if c.APIEnabled && !validPort(c.APIPort) {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.SSHEnabled && !validPort(c.SSHPort) {
		return fmt.Errorf("ssh_port %d out of range", c.SSHPort)
	}

	if len(c.Servers) == 0 {
		return errors.New("no servers configured")
	}
	names := make(map[string]bool)
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server %d has no name", i)
		}
		if strings.ContainsAny(s.Name, " \t/") {
			return fmt.Errorf("server %q: name can't contain spaces or slashes", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = true
		if s.Address == "" {
			return fmt.Errorf("server %q has no address", s.Name)
		}
		if !validPort(s.RCONPort) {
			return fmt.Errorf("server %q: rcon_port %d out of range", s.Name, s.RCONPort)
		}
		if s.Schedule != nil {
			if _, err := s.Schedule.Rule(); err != nil {
				return fmt.Errorf("server %q: %w", s.Name, err)
			}
		}
	}

	users := make(map[string]bool)
	keys := make(map[string]string)
	for i, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("user %d has no name", i)
		}
		if users[strings.ToLower(u.Name)] {
			return fmt.Errorf("duplicate user %q", u.Name)
		}
		users[strings.ToLower(u.Name)] = true
		if u.APIKey == "" {
			continue
		}
		if other, dup := keys[u.APIKey]; dup {
			return fmt.Errorf("users %q and %q share an api_key", other, u.Name)
		}
		keys[u.APIKey] = u.Name
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// Targets converts the enabled servers into what the rest of the daemon
// works with.
func (c *Config) Targets() ([]wipe.Target, error) {
	var out []wipe.Target
	for _, s := range c.Servers {
		if s.Disabled {
			continue
		}
		t := wipe.Target{
			Name:      s.Name,
			Address:   s.Address,
			Port:      s.RCONPort,
			Password:  s.RCONPassword,
			Announce:  s.Announce,
			AdminRole: s.AdminRole,
		}
		if s.Schedule != nil {
			rule, err := s.Schedule.Rule()
			if err != nil {
				return nil, fmt.Errorf("server %q: %w", s.Name, err)
			}
			t.Schedule = &rule
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Config) Server(name string) (*Server, bool) {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], true
		}
	}
	return nil, false
}

// User finds a user by name, ignoring case.
func (c *Config) User(name string) (*User, bool) {
	if name == "" {
		return nil, false
	}
	for i := range c.Users {
		if strings.EqualFold(c.Users[i].Name, name) {
			return &c.Users[i], true
		}
	}
	return nil, false
}

func (c *Config) UserByAPIKey(key string) (*User, bool) {
	if key == "" {
		return nil, false
	}
	for i := range c.Users {
		if c.Users[i].APIKey == key {
			return &c.Users[i], true
		}
	}
	return nil, false
}

// IsAdminOf reports whether the user can administer the server, either as a
// global admin or by holding the server's admin role.
func (u *User) IsAdminOf(s *Server) bool {
	if u == nil {
		return false
	}
	if u.Admin {
		return true
	}
	return s != nil && s.AdminRole != "" && slices.Contains(u.Roles, s.AdminRole)
}

// IsAuthorized makes *Config a poll.Authorizer. Any configured user can vote;
// overriding and forcing announcements need admin rights on the server.
func (c *Config) IsAuthorized(identity, server string, action poll.Action) bool {
	u, ok := c.User(identity)
	if !ok {
		return false
	}
	srv, ok := c.Server(server)
	if !ok {
		return u.Admin
	}
	switch action {
	case poll.ActionVote:
		return true
	case poll.ActionOverride, poll.ActionForce:
		return u.IsAdminOf(srv)
	}
	return false
}
