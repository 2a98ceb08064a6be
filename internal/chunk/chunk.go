// Package chunk turns one content item into bounded retrieval chunks.
//
// Split is a pure function: no I/O, no clock, no randomness. Chunk ids are
// a stable hash of (item id, sequence index), so re-chunking the same item
// produces identical ids and index upserts overwrite in place instead of
// duplicating.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/corvid0/almanac/internal/source"
)

// approxCharsPerToken is the usual rough estimate for English text.
const approxCharsPerToken = 4

// DefaultTokenBudget bounds one chunk. Sized well under the embedding
// model's input limit so headers never push a chunk over it.
const DefaultTokenBudget = 400

// Chunk is one retrievable unit derived from an item.
type Chunk struct {
	ID     string
	Seq    int
	ItemID string

	// Text is what gets embedded and stored: the provenance header
	// followed by Body.
	Text string

	// Body is the covered slice of the item's flattened text. The
	// concatenation of all Bodies reproduces the flattened item
	// (modulo whitespace collapsing at split points).
	Body string

	Title string
	URL   string
	Tags  []string
}

// ID derives the deterministic chunk id for (itemID, seq).
func ID(itemID string, seq int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s#%d", itemID, seq))
	return "chunk_" + hex.EncodeToString(sum[:16])
}

// Split flattens the item's block tree and packs it into chunks of at
// most tokenBudget tokens each, preferring paragraph then sentence
// boundaries. An empty item yields no chunks.
func Split(item *source.Item, tokenBudget int) []Chunk {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}

	flat := Flatten(item.Blocks)
	if strings.TrimSpace(flat) == "" {
		return nil
	}

	head := header(item)
	budgetChars := tokenBudget * approxCharsPerToken

	var chunks []Chunk
	for seq, body := range pack(flat, budgetChars) {
		chunks = append(chunks, Chunk{
			ID:     ID(item.ID, seq),
			Seq:    seq,
			ItemID: item.ID,
			Text:   head + "\n\n" + body,
			Body:   body,
			Title:  item.Title,
			URL:    item.URL,
			Tags:   item.Tags,
		})
	}
	return chunks
}

// header renders the fixed-format context prefix: the item title and, when
// the item links out to other items, a "linked to" list. The header is
// embedded with the chunk so retrieval sees the page context.
func header(item *source.Item) string {
	h := "[Page: " + item.Title + "]"
	if len(item.Links) > 0 {
		h += " (linked to: " + strings.Join(item.Links, ", ") + ")"
	}
	return h
}

// Flatten walks blocks depth-first and joins their text with blank lines,
// dropping the tree structure. Image blocks contribute caption and
// filename only; pixel content is out of scope.
func Flatten(blocks []source.Block) string {
	var parts []string
	flattenInto(blocks, &parts)
	return strings.Join(parts, "\n\n")
}

func flattenInto(blocks []source.Block, parts *[]string) {
	for _, b := range blocks {
		if text := blockText(b); text != "" {
			*parts = append(*parts, text)
		}
		if len(b.Children) > 0 {
			flattenInto(b.Children, parts)
		}
	}
}

func blockText(b source.Block) string {
	switch b.Type {
	case source.BlockText, source.BlockHeading, source.BlockList, source.BlockQuote, source.BlockCode:
		return strings.TrimSpace(b.Text)
	case source.BlockImage:
		caption := strings.TrimSpace(b.Caption)
		switch {
		case caption != "" && b.Filename != "":
			return caption + " (" + b.Filename + ")"
		case caption != "":
			return caption
		default:
			return b.Filename
		}
	default:
		// Unknown block kind: nothing indexable.
		return ""
	}
}

// pack splits flat text into pieces of at most budget characters,
// breaking on paragraph boundaries first and sentence boundaries inside
// oversized paragraphs. Only a single sentence longer than the budget is
// ever split mid-sentence.
func pack(flat string, budget int) []string {
	var pieces []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
	}

	appendUnit := func(unit, sep string) {
		if cur.Len() > 0 && cur.Len()+len(sep)+len(unit) > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(unit)
	}

	for para := range strings.SplitSeq(flat, "\n\n") {
		if len(para) <= budget {
			appendUnit(para, "\n\n")
			continue
		}
		for _, sent := range sentences(para) {
			if len(sent) <= budget {
				appendUnit(sent, " ")
				continue
			}
			// Degenerate single sentence beyond the budget.
			for len(sent) > budget {
				appendUnit(sent[:budget], " ")
				flush()
				sent = sent[budget:]
			}
			appendUnit(sent, " ")
		}
	}
	flush()
	return pieces
}

// sentences splits a paragraph after terminal punctuation followed by a
// space. Heuristic by design; abbreviations may over-split, which only
// moves a boundary, never loses text.
func sentences(para string) []string {
	var out []string
	start := 0
	for i := 0; i < len(para)-1; i++ {
		switch para[i] {
		case '.', '!', '?':
			if para[i+1] == ' ' {
				out = append(out, para[start:i+1])
				start = i + 2
				i++
			}
		}
	}
	if start < len(para) {
		out = append(out, para[start:])
	}
	return out
}
