// Package source defines the boundary to the external content provider:
// the item/block data model, a versioned HTTP client, the provider error
// taxonomy, and a rate-limited fetcher that all sync paths share.
package source

import (
	"context"
	"time"
)

// Block kinds understood by the flattener. Unknown kinds are skipped.
const (
	BlockText    = "text"
	BlockHeading = "heading"
	BlockList    = "list_item"
	BlockQuote   = "quote"
	BlockCode    = "code"
	BlockImage   = "image"
)

// Block is one node in an item's body tree. Text-bearing kinds carry Text;
// image blocks carry Caption and Filename instead (pixel content is never
// fetched or analyzed).
type Block struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Language string  `json:"language,omitempty"`
	Caption  string  `json:"caption,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Children []Block `json:"children,omitempty"`
}

// Item is a full content item as served by the provider. Read-only to this
// system; Revision is the provider's monotonic per-item change marker.
type Item struct {
	ID       string    `json:"id"`
	Revision time.Time `json:"revision"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Tags     []string  `json:"tags,omitempty"`
	Links    []string  `json:"links,omitempty"`
	Blocks   []Block   `json:"blocks"`
}

// Summary is the listing view of an item: just identity and revision.
type Summary struct {
	ID       string    `json:"id"`
	Revision time.Time `json:"revision"`
}

// ChangePage is one page of a listing response.
type ChangePage struct {
	Items      []Summary `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// API is the raw provider surface. ListChanged is revision-inclusive
// (revision >= since), so a caller that holds its high-water mark at a
// failed item's revision will see that item again on the next pass.
//
// Implementations: Client (HTTP) in this package, fakes in tests.
type API interface {
	ListChanged(ctx context.Context, since time.Time, cursor string) (*ChangePage, error)
	ListAll(ctx context.Context, cursor string) (*ChangePage, error)
	Fetch(ctx context.Context, id string) (*Item, error)
}
