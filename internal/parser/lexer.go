package parser

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokDate
	tokComment
	tokPreproc
	tokAnnotation
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	start int // byte offset
	end   int // byte offset, exclusive
	line  int // 1-based line of start
}

// significant reports whether the token takes part in statements.
func (t token) significant() bool {
	switch t.kind {
	case tokComment, tokPreproc, tokAnnotation:
		return false
	}
	return true
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

// lexError is a recoverable lexical problem.
type lexError struct {
	offset int
	line   int
	reason string
}

// lex splits BSL source into tokens. Whitespace is dropped; comments,
// preprocessor lines and annotations are kept so that callers can attach
// documentation and spans.
func lex(src []byte) ([]token, []lexError) {
	l := &lexer{src: src, line: 1}
	if len(src) >= 3 && src[0] == 0xEF && src[1] == 0xBB && src[2] == 0xBF {
		l.pos = 3
	}
	for l.pos < len(l.src) {
		l.next()
	}
	return l.tokens, l.errs
}

type lexer struct {
	src    []byte
	pos    int
	line   int
	tokens []token
	errs   []lexError
}

func (l *lexer) emit(kind tokenKind, start, line int) {
	l.tokens = append(l.tokens, token{
		kind:  kind,
		text:  string(l.src[start:l.pos]),
		start: start,
		end:   l.pos,
		line:  line,
	})
}

// atLineStart reports whether only blanks precede pos on its line.
func (l *lexer) atLineStart(pos int) bool {
	for i := pos - 1; i >= 0; i-- {
		switch l.src[i] {
		case ' ', '\t', '\r':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func (l *lexer) toEOL() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
	// Keep a trailing \r out of the token text.
	if l.pos > 0 && l.src[l.pos-1] == '\r' {
		l.pos--
	}
}

func (l *lexer) next() {
	c := l.src[l.pos]
	start, line := l.pos, l.line

	switch {
	case c == '\n':
		l.line++
		l.pos++
	case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
		l.pos++
	case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
		l.toEOL()
		l.emit(tokComment, start, line)
		l.skipCR()
	case c == '#' && l.atLineStart(l.pos):
		l.toEOL()
		l.emit(tokPreproc, start, line)
		l.skipCR()
	case c == '&' && l.atLineStart(l.pos):
		l.toEOL()
		l.emit(tokAnnotation, start, line)
		l.skipCR()
	case c == '"':
		l.lexString()
		l.emit(tokString, start, line)
	case c == '|':
		// Continuation line of a multi-line string that lost its opening
		// quote; treat the remainder as string text.
		l.lexStringBody()
		l.emit(tokString, start, line)
	case c == '\'':
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] != '\'' && l.src[l.pos] != '\n' {
			l.pos++
		}
		if l.pos < len(l.src) && l.src[l.pos] == '\'' {
			l.pos++
		} else {
			l.errs = append(l.errs, lexError{offset: start, line: line, reason: "unterminated date literal"})
		}
		l.emit(tokDate, start, line)
	case c >= '0' && c <= '9':
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		l.emit(tokNumber, start, line)
	default:
		r, size := utf8.DecodeRune(l.src[l.pos:])
		if isIdentStart(r) {
			l.pos += size
			for l.pos < len(l.src) {
				r, size = utf8.DecodeRune(l.src[l.pos:])
				if !isIdentPart(r) {
					break
				}
				l.pos += size
			}
			l.emit(tokIdent, start, line)
			return
		}
		if size == 0 {
			size = 1
		}
		l.pos += size
		if l.pos < len(l.src) {
			switch two := string(l.src[start : l.pos+1]); two {
			case "<>", "<=", ">=":
				l.pos++
			}
		}
		l.emit(tokPunct, start, line)
	}
}

func (l *lexer) skipCR() {
	for l.pos < len(l.src) && l.src[l.pos] == '\r' {
		l.pos++
	}
}

// lexString consumes a double-quoted literal. "" is an escaped quote. A line
// break continues the literal only when the next line starts with | or //;
// otherwise the literal is unterminated and ends at the line break.
func (l *lexer) lexString() {
	start, line := l.pos, l.line
	l.pos++
	l.lexStringBodyFrom(start, line)
}

func (l *lexer) lexStringBody() {
	l.pos++
	l.lexStringBodyFrom(l.pos-1, l.line)
}

func (l *lexer) lexStringBodyFrom(start, line int) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '"':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '"' {
				l.pos += 2
				continue
			}
			l.pos++
			return
		case '\n':
			if !l.continuesString(l.pos + 1) {
				l.errs = append(l.errs, lexError{offset: start, line: line, reason: "unterminated string literal"})
				return
			}
			l.line++
		}
		l.pos++
	}
	l.errs = append(l.errs, lexError{offset: start, line: line, reason: "unterminated string literal"})
}

func (l *lexer) continuesString(at int) bool {
	for at < len(l.src) && (l.src[at] == ' ' || l.src[at] == '\t' || l.src[at] == '\r') {
		at++
	}
	if at >= len(l.src) {
		return false
	}
	if l.src[at] == '|' {
		return true
	}
	return at+1 < len(l.src) && l.src[at] == '/' && l.src[at+1] == '/'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(src []byte) lineIndex {
	idx := lineIndex{0}
	for i, c := range src {
		if c == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

// line returns the 1-based line containing offset.
func (idx lineIndex) line(offset int) int {
	return sort.Search(len(idx), func(i int) bool { return idx[i] > offset })
}

// lastLine returns the line of the last byte of src (at least 1).
func (idx lineIndex) lastLine(size int) int {
	if size == 0 {
		return 1
	}
	return idx.line(size - 1)
}

// keyword identifies a bilingual BSL keyword, case-insensitively.
type keyword int

const (
	kwNone keyword = iota
	kwProcedure
	kwFunction
	kwEndProcedure
	kwEndFunction
	kwVar
	kwVal
	kwExport
	kwIf
	kwThen
	kwElsIf
	kwElse
	kwEndIf
	kwFor
	kwEach
	kwIn
	kwTo
	kwWhile
	kwDo
	kwEndDo
	kwReturn
	kwContinue
	kwBreak
	kwTry
	kwExcept
	kwEndTry
	kwRaise
	kwNew
	kwAnd
	kwOr
	kwNot
	kwTrue
	kwFalse
	kwUndefined
	kwNull
	kwExecute
	kwGoto
	kwAddHandler
	kwRemoveHandler
	kwAsync
	kwAwait
)

var keywords = map[string]keyword{
	"procedure": kwProcedure, "процедура": kwProcedure,
	"function": kwFunction, "функция": kwFunction,
	"endprocedure": kwEndProcedure, "конецпроцедуры": kwEndProcedure,
	"endfunction": kwEndFunction, "конецфункции": kwEndFunction,
	"var": kwVar, "перем": kwVar,
	"val": kwVal, "знач": kwVal,
	"export": kwExport, "экспорт": kwExport,
	"if": kwIf, "если": kwIf,
	"then": kwThen, "тогда": kwThen,
	"elsif": kwElsIf, "иначеесли": kwElsIf,
	"else": kwElse, "иначе": kwElse,
	"endif": kwEndIf, "конецесли": kwEndIf,
	"for": kwFor, "для": kwFor,
	"each": kwEach, "каждого": kwEach,
	"in": kwIn, "из": kwIn,
	"to": kwTo, "по": kwTo,
	"while": kwWhile, "пока": kwWhile,
	"do": kwDo, "цикл": kwDo,
	"enddo": kwEndDo, "конеццикла": kwEndDo,
	"return": kwReturn, "возврат": kwReturn,
	"continue": kwContinue, "продолжить": kwContinue,
	"break": kwBreak, "прервать": kwBreak,
	"try": kwTry, "попытка": kwTry,
	"except": kwExcept, "исключение": kwExcept,
	"endtry": kwEndTry, "конецпопытки": kwEndTry,
	"raise": kwRaise, "вызватьисключение": kwRaise,
	"new": kwNew, "новый": kwNew,
	"and": kwAnd, "и": kwAnd,
	"or": kwOr, "или": kwOr,
	"not": kwNot, "не": kwNot,
	"true": kwTrue, "истина": kwTrue,
	"false": kwFalse, "ложь": kwFalse,
	"undefined": kwUndefined, "неопределено": kwUndefined,
	"null":    kwNull,
	"execute": kwExecute, "выполнить": kwExecute,
	"goto": kwGoto, "перейти": kwGoto,
	"addhandler": kwAddHandler, "добавитьобработчик": kwAddHandler,
	"removehandler": kwRemoveHandler, "удалитьобработчик": kwRemoveHandler,
	"async": kwAsync, "асинх": kwAsync,
	"await": kwAwait, "ждать": kwAwait,
}

func keywordOf(t token) keyword {
	if t.kind != tokIdent {
		return kwNone
	}
	return keywords[strings.ToLower(t.text)]
}
