// Package cursor pages through search results with a growing window.
package cursor

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/indexsync/internal/deadline"
)

// DefaultWindow is the number of hits fetched by the first query.
const DefaultWindow = 10

// Hit is one search result.
type Hit struct {
	ID     string
	Score  float64
	Fields map[string]any
}

// Searcher runs the underlying query for the first size hits.
// total is the number of matching documents.
type Searcher interface {
	Search(ctx context.Context, size int) (hits []Hit, total uint64, err error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, size int) ([]Hit, uint64, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, size int) ([]Hit, uint64, error) {
	return f(ctx, size)
}

// Cursor exposes search results by position, re-issuing the query with a
// geometrically larger window when a position past the fetched hits is read.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	searcher Searcher
	deadline *deadline.Manager
	initial  int
	logger   *slog.Logger

	hits    []Hit
	window  int
	total   uint64
	known   bool
	fetches []int
}

// Option configures a Cursor.
type Option func(*Cursor)

// WithInitialWindow sets the first window size.
func WithInitialWindow(n int) Option {
	return func(c *Cursor) {
		if n > 0 {
			c.initial = n
		}
	}
}

// WithDeadline attaches a deadline manager consulted before every fetch.
func WithDeadline(m *deadline.Manager) Option {
	return func(c *Cursor) {
		c.deadline = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cursor) {
		c.logger = l
	}
}

// New creates a cursor over s. Nothing is fetched until the first Get.
func New(s Searcher, opts ...Option) *Cursor {
	c := &Cursor{
		searcher: s,
		initial:  DefaultWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the hit at position i. ok is false when i is past the last
// matching document or when a soft deadline stopped the cursor from growing.
func (c *Cursor) Get(ctx context.Context, i int) (hit Hit, ok bool, err error) {
	if i < 0 {
		return Hit{}, false, nil
	}
	if i < len(c.hits) {
		return c.hits[i], true, nil
	}
	if c.known && uint64(i) >= c.total {
		return Hit{}, false, nil
	}

	for i >= len(c.hits) {
		if c.known && uint64(len(c.hits)) >= c.total {
			return Hit{}, false, nil
		}
		stop, err := c.expired()
		if err != nil {
			return Hit{}, false, err
		}
		if stop {
			return Hit{}, false, nil
		}
		if err := c.fetch(ctx, c.nextWindow(i)); err != nil {
			return Hit{}, false, err
		}
	}
	return c.hits[i], true, nil
}

// nextWindow grows to twice the requested position, and at least doubles.
func (c *Cursor) nextWindow(i int) int {
	if c.window == 0 {
		return c.initial
	}
	next := max(2*i, 2*c.window)
	if c.known && uint64(next) > c.total {
		next = int(c.total)
	}
	return next
}

func (c *Cursor) expired() (bool, error) {
	if c.deadline == nil {
		return false, nil
	}
	timedOut, err := c.deadline.IsTimedOut()
	if err != nil {
		return true, err
	}
	if timedOut {
		c.deadline.MarkPartial()
		c.logger.Debug("cursor_truncated",
			slog.Int("fetched", len(c.hits)),
			slog.Uint64("total", c.total))
		return true, nil
	}
	return false, nil
}

func (c *Cursor) fetch(ctx context.Context, size int) error {
	hits, total, err := c.searcher.Search(ctx, size)
	if err != nil {
		return err
	}
	c.fetches = append(c.fetches, size)
	c.window = size
	c.hits = hits
	c.total = total
	c.known = true
	if len(hits) < size && uint64(len(hits)) < total {
		// The backend returned fewer hits than it reported; trust the hits.
		c.total = uint64(len(hits))
	}
	return nil
}

// Len returns the number of hits fetched so far.
func (c *Cursor) Len() int {
	return len(c.hits)
}

// Total returns the number of matching documents reported by the last query.
func (c *Cursor) Total() uint64 {
	return c.total
}

// Partial reports whether a soft deadline truncated the cursor.
func (c *Cursor) Partial() bool {
	return c.deadline != nil && c.deadline.IsPartial()
}

// Fetches returns the window sizes requested so far, in order.
func (c *Cursor) Fetches() []int {
	return append([]int(nil), c.fetches...)
}
