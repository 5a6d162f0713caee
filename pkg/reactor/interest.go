package reactor

import (
	"strings"
	"time"
)

// Interest is a bit mask of readiness kinds.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
	Error

	None Interest = 0
)

func (i Interest) String() string {
	if i == None {
		return "none"
	}
	var parts []string
	if i&Read != 0 {
		parts = append(parts, "read")
	}
	if i&Write != 0 {
		parts = append(parts, "write")
	}
	if i&Error != 0 {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

type event struct {
	fd    int
	ready Interest
}

// poller is the platform readiness backend. Only the reactor loop calls
// add, modify, remove and wait; wake may be called from any goroutine.
type poller interface {
	add(fd int, mask Interest) error
	modify(fd int, mask Interest) error
	remove(fd int) error
	wait(timeout time.Duration, out []event) ([]event, error)
	wake() error
	close() error
}
