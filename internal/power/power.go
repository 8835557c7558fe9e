// Package power reports whether the host is running low on battery, so
// housekeeping can wait for a better moment.
package power

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Monitor interface {
	Low() bool
}

// Fixed reports a constant state.
type Fixed bool

func (f Fixed) Low() bool { return bool(f) }

// Sysfs reads battery state from the Linux power_supply class.
type Sysfs struct {
	Root      string // defaults to /sys/class/power_supply
	Threshold int    // percent
}

func NewSysfs(threshold int) *Sysfs {
	return &Sysfs{Root: "/sys/class/power_supply", Threshold: threshold}
}

// Low is true when some battery is discharging below the threshold. Hosts
// without a battery, or with unreadable state, are never low.
func (s *Sysfs) Low() bool {
	if s.Threshold <= 0 {
		return false
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return false
	}

	for _, e := range entries {
		dir := filepath.Join(s.Root, e.Name())
		if read(dir, "type") != "Battery" {
			continue
		}
		if read(dir, "status") == "Charging" {
			continue
		}
		capacity, err := strconv.Atoi(read(dir, "capacity"))
		if err != nil {
			continue
		}
		if capacity < s.Threshold {
			return true
		}
	}
	return false
}

func read(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
