package transport

import (
	"context"
	"fmt"
	"sync"
)

// Credits tracks events a pull subscriber asked for but has not received yet.
// Outstanding credits never exceed the limit; with no explicit limit it is
// fixed at four times the first grant.
type Credits struct {
	mu     sync.Mutex
	n      int
	limit  int
	signal chan struct{}
}

// NewCredits returns an empty credit counter. A limit of zero is derived from
// the first Grant.
func NewCredits(limit int) *Credits {
	if limit < 0 {
		limit = 0
	}
	return &Credits{limit: limit, signal: make(chan struct{}, 1)}
}

// Grant adds n credits and wakes a waiting consumer. It never blocks.
func (c *Credits) Grant(n int) error {
	if n <= 0 {
		return fmt.Errorf("request: credits must be positive, got %d", n)
	}
	c.mu.Lock()
	if c.limit == 0 {
		c.limit = 4 * n
	}
	c.n += n
	if c.n > c.limit {
		c.n = c.limit
	}
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Available returns the outstanding credit count.
func (c *Credits) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Limit returns the current cap, zero until the first Grant when unset.
func (c *Credits) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Wait blocks until at least one credit is outstanding and returns the count.
func (c *Credits) Wait(ctx context.Context) (int, error) {
	for {
		if n := c.Available(); n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.signal:
		}
	}
}

// Consume marks n credits as filled.
func (c *Credits) Consume(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n -= n
	if c.n < 0 {
		c.n = 0
	}
}
