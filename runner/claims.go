package runner

import (
	"sort"
	"sync"
)

// manualHolder owns sessions claimed by operator-triggered stages.
const manualHolder = "manual"

// claims records which sessions are in use and by whom. Runners and manual
// operations inside one daemon share a single set, so a session is worked on
// by at most one of them and cleanup can see every claim.
type claims struct {
	mu   sync.Mutex
	held map[string]string // slug -> holder
}

func newClaims() *claims {
	return &claims{held: make(map[string]string)}
}

// acquire claims slug for holder. It fails while the slug is held.
func (c *claims) acquire(slug, holder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[slug]; ok {
		return false
	}
	c.held[slug] = holder
	return true
}

func (c *claims) release(slug string) {
	c.mu.Lock()
	delete(c.held, slug)
	c.mu.Unlock()
}

func (c *claims) heldBy(holder string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for s, h := range c.held {
		if h == holder {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (c *claims) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.held))
	for s := range c.held {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
