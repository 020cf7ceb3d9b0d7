package scheduler

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anvil-build/anvil"
	"golang.org/x/sys/unix"
)

var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

// statusBoard maintains one status line per worker plus a summary line,
// redrawn in place when stdout is a terminal and always mirrored to the
// event sink as StatusLine events.
type statusBoard struct {
	events anvil.EventSink

	mu         sync.Mutex
	lines      []string
	lastStatus time.Time
}

func newStatusBoard(workers int, events anvil.EventSink) *statusBoard {
	return &statusBoard{
		events: events,
		lines:  make([]string, workers+1),
	}
}

func (s *statusBoard) refresh() {
	if !isTerminal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = time.Now()
	s.redrawLocked()
}

func (s *statusBoard) update(idx int, newStatus string) {
	s.events.Publish(anvil.BuildEvent{
		Kind:   anvil.EventStatusLine,
		Time:   time.Now(),
		Status: newStatus,
		Worker: idx,
	})
	if !isTerminal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if diff := len(s.lines[idx]) - len(newStatus); diff > 0 {
		newStatus += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	s.lines[idx] = newStatus
	if time.Since(s.lastStatus) < 100*time.Millisecond {
		// printing status too frequently slows down the program
		return
	}
	s.lastStatus = time.Now()
	s.redrawLocked()
}

func (s *statusBoard) redrawLocked() {
	var maxLen int
	for _, line := range s.lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for _, line := range s.lines {
		if len(line) < maxLen {
			line += strings.Repeat(" ", maxLen-len(line))
		}
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(s.lines)) // restore cursor position
}
