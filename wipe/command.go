package wipe

import (
	"fmt"
	"strings"
)

// Console commands understood by the WipeAnnouncer server plugin.
const (
	CommandStatus = "wipeannouncer.status"
	CommandForce  = "wipeannouncer.force"
)

// SetCommand builds the command that stores the next wipe type on the server.
func SetCommand(s Setting) string {
	return fmt.Sprintf("wipeannouncer.setwipetype %s", s)
}

// ParseStatus turns the plugin's status reply into a map. Each line looks
// like "Next Wipe Type: full", sometimes with a leading "- " bullet. Lines
// without a colon are ignored.
func ParseStatus(reply string) map[string]string {
	status := make(map[string]string)
	for _, line := range strings.Split(reply, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ReplaceAll(key, "-", ""))
		if key == "" {
			continue
		}
		status[key] = strings.TrimSpace(value)
	}
	return status
}
