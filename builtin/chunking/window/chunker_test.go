package window

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

func defaultChunker() *Chunker {
	return New(Config{MaxTokens: 512, OverlapTokens: 100, CharsPerToken: 2.0})
}

// line50 returns a 50-byte ASCII line including its newline.
func line50(tag string) string {
	return fmt.Sprintf("%-49s\n", "\tValue = Value + 1; // "+tag)
}

func reconstruct(chunks []*types.Chunk) string {
	var sb strings.Builder
	for i, ch := range chunks {
		if i == 0 {
			sb.WriteString(ch.Text)
			continue
		}
		sb.WriteString(ch.Text[ch.OverlapBytes:])
	}
	return sb.String()
}

func symbolFor(src, id, text string) *types.Symbol {
	start := strings.Index(src, text)
	return &types.Symbol{
		ID:            id,
		QualifiedName: strings.TrimPrefix(id, "code:"),
		Kind:          types.SymbolKindProcedure,
		Span:          types.Span{StartByte: start, EndByte: start + len(text)},
	}
}

func checkInvariants(t *testing.T, c *Chunker, src string, chunks []*types.Chunk) {
	t.Helper()
	if got := reconstruct(chunks); got != src {
		t.Errorf("reconstruction differs: got %d bytes, want %d", len(got), len(src))
	}
	for i, ch := range chunks {
		if ch.Tokens > c.MaxTokens() {
			t.Errorf("chunk %d: Tokens = %d, exceeds %d", i, ch.Tokens, c.MaxTokens())
		}
		if n := utf8.RuneCountInString(ch.Text); n > c.maxChars {
			t.Errorf("chunk %d: %d chars, exceeds %d", i, n, c.maxChars)
		}
		if !utf8.ValidString(ch.Text) {
			t.Errorf("chunk %d: text is not valid UTF-8", i)
		}
		if ch.Ordinal != i || ch.ID != types.ChunkID("M.bsl", i) {
			t.Errorf("chunk %d: ID = %q, Ordinal = %d", i, ch.ID, ch.Ordinal)
		}
		if src[ch.StartByte:ch.EndByte] != ch.Text {
			t.Errorf("chunk %d: offsets [%d,%d) do not match text", i, ch.StartByte, ch.EndByte)
		}
		if i == 0 {
			if ch.Overlap || ch.OverlapBytes != 0 {
				t.Errorf("first chunk has overlap %d", ch.OverlapBytes)
			}
			continue
		}
		prev := chunks[i-1]
		if !ch.Overlap || ch.OverlapBytes <= 0 {
			t.Errorf("chunk %d: missing overlap", i)
		}
		if ch.StartByte+ch.OverlapBytes != prev.EndByte {
			t.Errorf("chunk %d: new text starts at %d, previous ends at %d", i, ch.StartByte+ch.OverlapBytes, prev.EndByte)
		}
		if n := utf8.RuneCountInString(ch.Text[:ch.OverlapBytes]); n > c.overlapChars {
			t.Errorf("chunk %d: overlap %d chars, exceeds %d", i, n, c.overlapChars)
		}
	}
}

func TestChunkEmpty(t *testing.T) {
	c := defaultChunker()
	for _, src := range []string{"", "   \n\t\r\n"} {
		chunks, err := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(src)}, nil)
		if err != nil {
			t.Errorf("Chunk(%q) error = %v", src, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Chunk(%q) = %d chunks, want 0", src, len(chunks))
		}
	}
}

func TestChunkSmallUnit(t *testing.T) {
	src := "Procedure A()\n\tB();\nEndProcedure\n"
	sym := symbolFor(src, "code:M.A", "Procedure A()\n\tB();\nEndProcedure")
	chunks, err := defaultChunker().Chunk(&types.Unit{RelPath: "M.bsl", Kind: types.UnitKindModule, Content: []byte(src)}, []*types.Symbol{sym})
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.Text != src || ch.StartLine != 1 || ch.EndLine != 3 {
		t.Errorf("chunk = %+v", ch)
	}
	if ch.SymbolID != "code:M.A" || ch.SymbolName != "M.A" {
		t.Errorf("owner = %q (%q), want code:M.A", ch.SymbolID, ch.SymbolName)
	}
	if ch.UnitKind != types.UnitKindModule {
		t.Errorf("UnitKind = %q", ch.UnitKind)
	}
	if ch.Hash != types.HashBytes([]byte(src)) {
		t.Errorf("Hash = %q", ch.Hash)
	}
}

// A 3000-character function with a 512 token budget at two characters per
// token and a 100 token overlap. Each window holds at most 1024 characters of
// which up to 200 repeat the previous window, so the body needs four chunks.
func TestChunkOversizedSymbol(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Function Big()\n")
	sb.WriteString(strings.Repeat("/", 22) + "\n")
	for i := 0; i < 59; i++ {
		sb.WriteString(line50(fmt.Sprint(i)))
	}
	sb.WriteString("EndFunction\n")
	src := sb.String()
	if len(src) != 3000 {
		t.Fatalf("test input is %d bytes, want 3000", len(src))
	}

	sym := symbolFor(src, "code:M.Big", strings.TrimSuffix(src, "\n"))
	sym.Kind = types.SymbolKindFunction
	c := defaultChunker()
	chunks, err := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(src)}, []*types.Symbol{sym})
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	checkInvariants(t, c, src, chunks)

	for i, ch := range chunks {
		if ch.SymbolID != "code:M.Big" {
			t.Errorf("chunk %d owner = %q, want code:M.Big", i, ch.SymbolID)
		}
		if i > 0 && ch.OverlapBytes != 200 {
			t.Errorf("chunk %d OverlapBytes = %d, want 200", i, ch.OverlapBytes)
		}
	}
	if chunks[0].EndByte != 988 {
		t.Errorf("first chunk ends at %d, want 988", chunks[0].EndByte)
	}
	if last := chunks[len(chunks)-1]; last.EndByte != len(src) {
		t.Errorf("last chunk ends at %d, want %d", last.EndByte, len(src))
	}
}

func TestChunkSnapsToSymbolBoundary(t *testing.T) {
	var a, b strings.Builder
	a.WriteString("Procedure A()\n")
	for i := 0; i < 16; i++ {
		a.WriteString(line50("a"))
	}
	a.WriteString("EndProcedure")
	b.WriteString("Procedure B()\n")
	for i := 0; i < 10; i++ {
		b.WriteString(line50("b"))
	}
	b.WriteString("EndProcedure")
	src := a.String() + "\n" + b.String() + "\n"

	symbols := []*types.Symbol{
		symbolFor(src, "code:M", src),
		symbolFor(src, "code:M.A", a.String()),
		symbolFor(src, "code:M.B", b.String()),
	}
	symbols[0].Kind = types.SymbolKindModule

	c := defaultChunker()
	chunks, err := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(src)}, symbols)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	checkInvariants(t, c, src, chunks)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if want := strings.Index(src, "Procedure B"); chunks[0].EndByte != want {
		t.Errorf("first chunk ends at %d, want boundary %d", chunks[0].EndByte, want)
	}
	if chunks[0].SymbolID != "code:M.A" {
		t.Errorf("first chunk owner = %q, want code:M.A", chunks[0].SymbolID)
	}
	if !chunks[1].IsModuleLevel() {
		t.Errorf("second chunk spans A and B, owner = %q", chunks[1].SymbolID)
	}
	if want := len("EndProcedure\n") + 3*50; chunks[1].OverlapBytes != want {
		t.Errorf("OverlapBytes = %d, want %d", chunks[1].OverlapBytes, want)
	}
}

func TestChunkExportedAndCollection(t *testing.T) {
	var a, b strings.Builder
	a.WriteString("Procedure A() Export\n")
	for i := 0; i < 16; i++ {
		a.WriteString(line50("a"))
	}
	a.WriteString("EndProcedure")
	b.WriteString("Procedure B()\n")
	for i := 0; i < 10; i++ {
		b.WriteString(line50("b"))
	}
	b.WriteString("EndProcedure")
	src := a.String() + "\n" + b.String() + "\n"

	tests := []struct {
		name     string
		exported string
		want     []bool
	}{
		{"first routine exported", "code:M.A", []bool{true, false}},
		{"second routine exported", "code:M.B", []bool{false, true}},
		{"nothing exported", "", []bool{false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbols := []*types.Symbol{
				symbolFor(src, "code:M", src),
				symbolFor(src, "code:M.A", a.String()),
				symbolFor(src, "code:M.B", b.String()),
			}
			symbols[0].Kind = types.SymbolKindModule
			symbols[0].Exported = true
			for _, sym := range symbols[1:] {
				sym.Exported = sym.ID == tt.exported
			}

			unit := &types.Unit{RelPath: "M.bsl", Collection: "CommonModules", Content: []byte(src)}
			chunks, err := defaultChunker().Chunk(unit, symbols)
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, ch := range chunks {
				if ch.Exported != tt.want[i] {
					t.Errorf("chunk %d: Exported = %v, want %v", i, ch.Exported, tt.want[i])
				}
				if ch.Collection != "CommonModules" {
					t.Errorf("chunk %d: Collection = %q", i, ch.Collection)
				}
			}
		})
	}
}

func TestChunkLongLines(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"cyrillic single line", strings.Repeat("Номенклатура", 250)},
		{"long line between short ones", "А = 1;\n" + strings.Repeat("Б", 2500) + "\nВ = 2;\n"},
		{"crlf", strings.Repeat("Значение = Значение + 1;\r\n", 200)},
	}

	c := defaultChunker()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(tt.src)}, nil)
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			if len(chunks) < 2 {
				t.Fatalf("got %d chunks, want several", len(chunks))
			}
			checkInvariants(t, c, tt.src, chunks)
			for i, ch := range chunks {
				if !ch.IsModuleLevel() {
					t.Errorf("chunk %d owned by %q without symbols", i, ch.SymbolID)
				}
			}
		})
	}
}

func TestChunkStableIDs(t *testing.T) {
	src := strings.Repeat(line50("x"), 60)
	c := defaultChunker()
	first, _ := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(src)}, nil)
	edited := strings.Replace(src, "x", "y", 1)
	second, _ := c.Chunk(&types.Unit{RelPath: "M.bsl", Content: []byte(edited)}, nil)

	if len(first) != len(second) {
		t.Fatalf("chunk count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d ID changed: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].Hash == second[0].Hash {
		t.Error("edited chunk kept its hash")
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.MaxTokens() != DefaultMaxTokens {
		t.Errorf("MaxTokens() = %d, want %d", c.MaxTokens(), DefaultMaxTokens)
	}
	if c.maxChars != 1024 {
		t.Errorf("maxChars = %d, want 1024", c.maxChars)
	}
	if c.toleranceCh != 256 {
		t.Errorf("toleranceCh = %d, want 256", c.toleranceCh)
	}
	if got := New(Config{MaxTokens: 100, OverlapTokens: 150}).config.OverlapTokens; got != 25 {
		t.Errorf("oversized overlap clamped to %d, want 25", got)
	}
}
