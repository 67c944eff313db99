package wipe

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSetting(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Setting
		wantErr bool
	}{
		{name: "map", input: "map", want: Map},
		{name: "upper", input: "BLUEPRINT", want: Blueprint},
		{name: "alias bp", input: "bp", want: Blueprint},
		{name: "full with spaces", input: "  full ", want: Full},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "everything", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSetting(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSetting) {
					t.Errorf("ParseSetting(%q) error = %v, want ErrInvalidSetting", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSetting(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseSetting(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Settings {
		if !s.Valid() {
			t.Errorf("%q not valid", s)
		}
		if s.Label() == "Unknown" || seen[s.Label()] {
			t.Errorf("bad label for %q: %q", s, s.Label())
		}
		seen[s.Label()] = true
	}
	if Setting("nope").Valid() {
		t.Error("Setting(nope) should not be valid")
	}
}

func TestSetCommand(t *testing.T) {
	if got, want := SetCommand(Blueprint), "wipeannouncer.setwipetype blueprint"; got != want {
		t.Errorf("SetCommand() = %q, want %q", got, want)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  map[string]string
	}{
		{
			name:  "empty",
			reply: "",
			want:  map[string]string{},
		},
		{
			name:  "plugin output",
			reply: "WipeAnnouncer Status\n- Next Wipe Type: full\n- Next Wipe: 2026-11-05 19:00 UTC\nAnnouncements: enabled",
			want: map[string]string{
				"Next Wipe Type": "full",
				"Next Wipe":      "2026-11-05 19:00 UTC",
				"Announcements":  "enabled",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseStatus(tc.reply)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseStatus(%q) diff (-want +got):\n%s", tc.reply, diff)
			}
		})
	}
}

func TestHostPort(t *testing.T) {
	tg := Target{Address: "10.1.1.1", Port: 28016}
	if got := tg.HostPort(); got != "10.1.1.1:28016" {
		t.Errorf("HostPort() = %q", got)
	}
}
