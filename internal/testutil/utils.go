package testutil

import (
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
)

var (
	Owner   = types.Participant{Role: types.RoleOwner, Id: 1}
	Shelter = types.Participant{Role: types.RoleShelter, Id: 1}
	// Stranger is a shelter with no part in rooms between Owner and Shelter.
	Stranger = types.Participant{Role: types.RoleShelter, Id: 2}
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// Clock is a manual time source for components that take a now func.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{t: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
