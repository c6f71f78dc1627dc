// Package memora orchestrates the dual store: conversations and memory
// version chains live in the graph store, current memories are projected into
// the similarity index, and an LLM extractor sits between conversations and
// memories. The graph store is the source of truth everywhere; the index is
// best-effort and repaired by Reconcile.
package memora

import (
	"log/slog"
	"time"

	"github.com/memora-labs/memora/internal/extract"
	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/vector"
)

// Client is the top-level entry point for the memory system.
type Client struct {
	graph     graph.Store
	index     vector.Index
	extractor extract.Extractor
	queries   extract.QueryGenerator
	filter    extract.MemoryFilter
	logger    *slog.Logger

	indexRetries int
	indexBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithExtractor sets the LLM extractor. Without one, saves persist the
// conversation but derive no memories.
func WithExtractor(e extract.Extractor) Option {
	return func(c *Client) { c.extractor = e }
}

// WithQueryGenerator sets the recall query expander.
func WithQueryGenerator(q extract.QueryGenerator) Option {
	return func(c *Client) { c.queries = q }
}

// WithMemoryFilter sets the final relevance pass on recall. Without one the
// pooled search results are returned as is.
func WithMemoryFilter(f extract.MemoryFilter) Option {
	return func(c *Client) { c.filter = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithIndexRetry tunes how many times an index mutation is retried before
// the operation reports ErrConsistency.
func WithIndexRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.indexRetries = retries
		c.indexBackoff = backoff
	}
}

// New creates a Client over an opened graph store and similarity index.
func New(store graph.Store, index vector.Index, opts ...Option) *Client {
	c := &Client{
		graph:        store,
		index:        index,
		queries:      extract.StaticQueries{},
		logger:       slog.Default(),
		indexRetries: 3,
		indexBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Graph exposes the underlying graph store for tenant management and direct
// reads.
func (c *Client) Graph() graph.Store { return c.graph }

// Index exposes the similarity index.
func (c *Client) Index() vector.Index { return c.index }

// Close closes both stores.
func (c *Client) Close() error {
	gerr := c.graph.Close()
	ierr := c.index.Close()
	if gerr != nil {
		return gerr
	}
	return ierr
}
