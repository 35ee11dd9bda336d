// Package tags implements the scoped tag stack attached to outgoing events.
//
// A Context holds a pointer to the innermost node of a persistent singly linked list.
// Push links a new node on top and returns a Scope; releasing the Scope points the
// Context back at the node's parent. Push, Release and Current are serialized by one
// mutex, but nesting is only well defined when scopes are released in LIFO order:
// releasing an outer scope while an inner one is still active drops the inner tags too,
// and a later release of the inner scope restores the outer tag. Callers sharing one
// Context between goroutines must coordinate ordering themselves.
package tags

import (
	"slices"
	"sync"
)

type node struct {
	value  string
	parent *node
}

// Context is the active tag stack of one client.
type Context struct {
	mu  sync.Mutex
	top *node
}

// Scope represents one pushed tag. Release restores the previous stack.
type Scope struct {
	ctx  *Context
	node *node
	once sync.Once
}

// Push adds tag on top of the stack.
// Params: tag value.
// Returns: scope that must be released exactly once.
func (c *Context) Push(tag string) *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := &node{value: tag, parent: c.top}
	c.top = n
	return &Scope{ctx: c, node: n}
}

// Current returns a point-in-time copy of active tags, outermost first.
// Params: none.
// Returns: tag list; empty (nil) when no scope is active.
func (c *Context) Current() []string {
	c.mu.Lock()
	top := c.top
	c.mu.Unlock()

	var out []string
	for n := top; n != nil; n = n.parent {
		out = append(out, n.value)
	}
	slices.Reverse(out)
	return out
}

// Release restores the stack to the state before the matching Push.
// Params: none.
// Returns: none. Subsequent calls are no-ops.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.ctx.mu.Lock()
		s.ctx.top = s.node.parent
		s.ctx.mu.Unlock()
	})
}

// Tag returns the value this scope pushed.
func (s *Scope) Tag() string {
	return s.node.value
}
