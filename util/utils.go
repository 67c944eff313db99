package util

import (
	"fmt"
	"sort"
	"time"

	uuid "github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.NewString()
}

// Dates are stored in the database as unix timestamps
func GetUnixTimestamp() int64 {
	return time.Now().Unix()
}

// TimeString is the HH:MM:SS (UTC) part of a unix timestamp
func TimeString(ts int64) string {
	t := time.Unix(ts, 0).UTC()
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

// TimeAgo gives you a string of how long ago something was
// based on a unix timestamp.
// Examples:
//
//	just now
//	30s ago
//	5m ago
//	2h ago
//	3d ago
//	8w ago
//	2mo ago
func TimeAgo(ts int64) string {
	return timeAgo(GetUnixTimestamp(), ts)
}

func timeAgo(now, ts int64) string {
	elapsed := now - ts
	if elapsed < 0 {
		return "soon"
	}
	if elapsed < 5 {
		return "just now"
	}
	if elapsed < 60 {
		return fmt.Sprintf("%ds ago", elapsed)
	}
	if elapsed < 3600 {
		return fmt.Sprintf("%dm ago", elapsed/60)
	}
	if elapsed < 86400 {
		return fmt.Sprintf("%dh ago", elapsed/3600)
	}
	if elapsed < 86400*7 {
		return fmt.Sprintf("%dd ago", elapsed/86400)
	}
	if elapsed < 86400*30 {
		return fmt.Sprintf("%dw ago", elapsed/(86400*7))
	}
	if elapsed < 86400*365 {
		return fmt.Sprintf("%dmo ago", elapsed/(86400*30))
	}
	return "forever ago"
}

// TimeUntil is the other direction, for deadlines:
//
//	now
//	in 45s
//	in 12m
//	in 5h 20m
//	in 2d 3h
func TimeUntil(t, now time.Time) string {
	left := t.Sub(now).Truncate(time.Second)
	if left <= 0 {
		return "now"
	}
	if left < time.Minute {
		return fmt.Sprintf("in %ds", int(left.Seconds()))
	}
	if left < time.Hour {
		return fmt.Sprintf("in %dm", int(left.Minutes()))
	}
	if left < 24*time.Hour {
		return fmt.Sprintf("in %dh %dm", int(left.Hours()), int(left.Minutes())%60)
	}
	days := int(left.Hours()) / 24
	return fmt.Sprintf("in %dd %dh", days, int(left.Hours())%24)
}

// SortedKeys returns the keys of a string map in order, for stable output of
// status replies.
func SortedKeys(m map[string]string) []string {
	keys := []string{}
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
