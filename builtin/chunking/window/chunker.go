// Package window implements a line-based sliding window chunker that keeps
// every chunk under a token budget, prefers symbol boundaries for cuts and
// repeats a fixed overlap between consecutive chunks.
package window

import (
	"bytes"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Default values
const (
	DefaultMaxTokens     = 512
	DefaultOverlapTokens = 100
	DefaultCharsPerToken = 2.0 // Cyrillic BSL runs close to two characters per token
)

// Config contains configuration for window chunking.
type Config struct {
	MaxTokens               int     // Hard per-chunk budget in estimated tokens
	OverlapTokens           int     // Tokens repeated from the previous chunk
	CharsPerToken           float64 // Characters (code points) per estimated token
	BoundaryToleranceTokens int     // How far back a cut may move to reach a symbol boundary
}

// Chunker splits units into overlapping windows.
type Chunker struct {
	config Config

	maxChars     int
	overlapChars int
	toleranceCh  int
}

// New creates a new window chunker.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens >= cfg.MaxTokens {
		cfg.OverlapTokens = cfg.MaxTokens / 4
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	if cfg.BoundaryToleranceTokens <= 0 {
		cfg.BoundaryToleranceTokens = cfg.MaxTokens / 4
	}

	c := &Chunker{
		config:       cfg,
		maxChars:     int(math.Floor(float64(cfg.MaxTokens) * cfg.CharsPerToken)),
		overlapChars: int(math.Floor(float64(cfg.OverlapTokens) * cfg.CharsPerToken)),
		toleranceCh:  int(math.Floor(float64(cfg.BoundaryToleranceTokens) * cfg.CharsPerToken)),
	}
	if c.maxChars < 1 {
		c.maxChars = 1
	}
	if c.overlapChars >= c.maxChars {
		c.overlapChars = c.maxChars / 2
	}
	return c
}

// Name returns the strategy name.
func (c *Chunker) Name() string {
	return "window"
}

// MaxTokens returns the hard per-chunk budget.
func (c *Chunker) MaxTokens() int {
	return c.config.MaxTokens
}

// EstimateTokens converts a character count to estimated tokens.
func (c *Chunker) EstimateTokens(chars int) int {
	return int(math.Ceil(float64(chars) / c.config.CharsPerToken))
}

// piece is a line, or part of an over-long line, with its length in runes.
type piece struct {
	start, end int
	runes      int
}

// Chunk splits the unit into chunks covering the whole text. Concatenating
// chunks[0].Text with chunks[i].Text[OverlapBytes:] for i > 0 rebuilds the
// content exactly.
func (c *Chunker) Chunk(unit *types.Unit, symbols []*types.Symbol) ([]*types.Chunk, error) {
	content := unit.Content
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, nil
	}

	pieces := c.split(content)
	boundaries := c.boundaries(content, pieces, symbols)
	lines := newLineStarts(content)

	var chunks []*types.Chunk
	start, overlap := 0, 0 // chunk start offset, runes repeated from the previous chunk
	for next := 0; next < len(pieces); {
		size, end := overlap, next
		for end < len(pieces) && size+pieces[end].runes <= c.maxChars {
			size += pieces[end].runes
			end++
		}
		if end == next {
			// Pieces are capped at maxChars-overlapChars, so this only guards
			// against a stalled loop.
			end = next + 1
		}
		if end < len(pieces) {
			end = c.snap(pieces, boundaries, next, end)
		}

		stop := pieces[end-1].end
		text := content[start:stop]
		ch := &types.Chunk{
			ID:           types.ChunkID(unit.RelPath, len(chunks)),
			Ordinal:      len(chunks),
			FilePath:     unit.RelPath,
			UnitKind:     unit.Kind,
			Text:         string(text),
			StartByte:    start,
			EndByte:      stop,
			StartLine:    lines.line(start),
			EndLine:      lines.line(stop - 1),
			Tokens:       c.EstimateTokens(utf8.RuneCount(text)),
			Overlap:      overlap > 0,
			OverlapBytes: pieces[next].start - start,
			Collection:   unit.Collection,
			Exported:     exportedIn(pieces[next].start, stop, symbols),
			Hash:         types.HashBytes(text),
		}
		if owner := ownerOf(content, start, stop, symbols); owner != nil {
			ch.SymbolID = owner.ID
			ch.SymbolName = owner.QualifiedName
		}
		chunks = append(chunks, ch)

		if end == len(pieces) {
			break
		}
		start, overlap = c.overlapFrom(content, pieces, next, end)
		next = end
	}
	return chunks, nil
}

// overlapFrom picks the start of the next window: whole trailing pieces of
// pieces[next:end] up to the overlap budget, or the tail of the last piece
// when not even one piece fits.
func (c *Chunker) overlapFrom(content []byte, pieces []piece, next, end int) (int, int) {
	ov, acc := end, 0
	for ov > next && acc+pieces[ov-1].runes <= c.overlapChars {
		ov--
		acc += pieces[ov].runes
	}
	if ov < end || c.overlapChars == 0 {
		return pieces[ov].start, acc
	}
	last := pieces[end-1]
	at, n := last.end, 0
	for n < c.overlapChars && at > last.start {
		_, size := utf8.DecodeLastRune(content[last.start:at])
		at -= size
		n++
	}
	return at, n
}

// split cuts content into lines, then cuts lines longer than the room left
// after the overlap so that any window can hold overlap plus one piece.
func (c *Chunker) split(content []byte) []piece {
	room := c.maxChars - c.overlapChars
	if room < 1 {
		room = c.maxChars
	}
	var pieces []piece
	for pos := 0; pos < len(content); {
		eol := bytes.IndexByte(content[pos:], '\n')
		lineEnd := len(content)
		if eol >= 0 {
			lineEnd = pos + eol + 1
		}
		start, n := pos, 0
		for i := pos; i < lineEnd; {
			_, size := utf8.DecodeRune(content[i:])
			if n == room {
				pieces = append(pieces, piece{start: start, end: i, runes: n})
				start, n = i, 0
			}
			i += size
			n++
		}
		if n > 0 {
			pieces = append(pieces, piece{start: start, end: lineEnd, runes: n})
		}
		pos = lineEnd
	}
	return pieces
}

// boundaries marks the pieces that start on the first line of a symbol or
// on the line after a symbol's last line.
func (c *Chunker) boundaries(content []byte, pieces []piece, symbols []*types.Symbol) map[int]bool {
	starts := make(map[int]int, len(pieces)) // byte offset -> piece index
	for i, p := range pieces {
		starts[p.start] = i
	}
	marks := make(map[int]bool)
	for _, s := range symbols {
		if s.Kind == types.SymbolKindModule {
			continue
		}
		if i, ok := starts[lineStart(content, s.Span.StartByte)]; ok {
			marks[i] = true
		}
		if s.Span.EndByte > 0 {
			if i, ok := starts[nextLineStart(content, s.Span.EndByte-1)]; ok {
				marks[i] = true
			}
		}
	}
	return marks
}

// snap moves a cut at piece index end back to the nearest boundary within
// the tolerance window. The chunk keeps at least one new piece.
func (c *Chunker) snap(pieces []piece, boundaries map[int]bool, next, end int) int {
	dropped := 0
	for b := end; b > next; b-- {
		if b < end {
			dropped += pieces[b].runes
		}
		if dropped > c.toleranceCh {
			break
		}
		if boundaries[b] {
			return b
		}
	}
	return end
}

// ownerOf returns the smallest non-module symbol containing the chunk's
// non-blank text, or nil for module-level chunks.
func ownerOf(content []byte, start, stop int, symbols []*types.Symbol) *types.Symbol {
	seg := content[start:stop]
	lead := len(seg) - len(bytes.TrimLeft(seg, " \t\r\n"))
	trail := len(bytes.TrimRight(seg, " \t\r\n"))
	if trail <= lead {
		return nil
	}
	a, b := start+lead, start+trail

	var best *types.Symbol
	for _, s := range symbols {
		if s.Kind == types.SymbolKindModule || !s.Span.Contains(a, b) {
			continue
		}
		if best == nil || s.Span.EndByte-s.Span.StartByte < best.Span.EndByte-best.Span.StartByte {
			best = s
		}
	}
	return best
}

// exportedIn reports whether an exported routine overlaps [start, stop).
func exportedIn(start, stop int, symbols []*types.Symbol) bool {
	for _, s := range symbols {
		if s.Exported && s.Kind != types.SymbolKindModule &&
			s.Span.StartByte < stop && s.Span.EndByte > start {
			return true
		}
	}
	return false
}

func lineStart(content []byte, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return bytes.LastIndexByte(content[:offset], '\n') + 1
}

func nextLineStart(content []byte, offset int) int {
	if offset >= len(content) {
		return len(content)
	}
	if i := bytes.IndexByte(content[offset:], '\n'); i >= 0 {
		return offset + i + 1
	}
	return len(content)
}

// lineStarts maps byte offsets to 1-based lines.
type lineStarts []int

func newLineStarts(content []byte) lineStarts {
	ls := lineStarts{0}
	for i, b := range content {
		if b == '\n' {
			ls = append(ls, i+1)
		}
	}
	return ls
}

func (ls lineStarts) line(offset int) int {
	return sort.Search(len(ls), func(i int) bool { return ls[i] > offset })
}

// Ensure Chunker implements ChunkingStrategy interface
var _ provider.ChunkingStrategy = (*Chunker)(nil)
