// Package syncdir serializes concurrent attempts by multiple workers to
// create the same destination directory, so exactly one worker issues the
// Mkdir and every other worker waits for it to finish instead of racing
// and tripping over an already-exists error it cannot distinguish from a
// genuine conflict.
package syncdir

import "sync"

type node struct {
	path     string
	refcount int
	done     bool
	exists   bool
	cond     *sync.Cond
}

// Context is a registry of in-flight directory creations shared by every
// worker in a migration run.
type Context struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// NewContext returns an empty coordination context.
func NewContext() *Context {
	return &Context{nodes: make(map[string]*node)}
}

// Handle is returned by Register and must be passed back to Wait and
// Unregister.
type Handle struct {
	path string
}

// Register records interest in path. The caller that gets responsible=true
// must create the directory and call Unregister when done; every other
// caller must call Wait instead.
func (c *Context) Register(path string) (h *Handle, responsible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		n = &node{path: path, cond: sync.NewCond(&c.mu)}
		c.nodes[path] = n
		responsible = true
	}
	n.refcount++
	return &Handle{path: path}, responsible
}

// Wait blocks until the responsible caller finishes creating path, then
// reports whether the directory exists.
func (c *Context) Wait(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h.path]
	if n == nil {
		return false
	}
	for !n.done {
		n.cond.Wait()
	}
	return n.exists
}

// Unregister releases the caller's interest in path. The responsible
// caller must pass the outcome of its Mkdir attempt; non-responsible
// callers pass exists=false, which is ignored once the node is already
// marked done.
func (c *Context) Unregister(h *Handle, responsible bool, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[h.path]
	if n == nil {
		return
	}
	if responsible {
		n.exists = exists
		n.done = true
		n.cond.Broadcast()
	}
	n.refcount--
	if n.refcount <= 0 {
		delete(c.nodes, h.path)
	}
}
