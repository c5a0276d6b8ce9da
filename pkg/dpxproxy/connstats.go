package dpxproxy

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total client connection counts
type ConnStats struct {
	count atomic.Int64
	open  atomic.Int64
}

// New adds one to the total connection count and returns the new total
func (c *ConnStats) New() int64 {
	return c.count.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// Snapshot returns the open and total connection counts
func (c *ConnStats) Snapshot() (open int64, total int64) {
	return c.open.Load(), c.count.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.count.Load())
}
