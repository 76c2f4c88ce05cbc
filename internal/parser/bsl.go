package parser

import (
	"fmt"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// routine is a procedure or function found by the structural pass.
type routine struct {
	sym    *types.Symbol
	params map[string]bool
	body   []token // significant tokens between header and end keyword
}

type moduleParser struct {
	unit  *types.Unit
	toks  []token
	lines lineIndex
	res   *Result

	module     *types.Symbol
	moduleVars map[string]bool
	seen       map[string]*types.Symbol // lowercased QN -> symbol
	selfWords  map[string]string        // lowercased self identifier -> owner prefix
	aliasPfx   string                   // manager module alias prefix, e.g. "Catalogs.Products"
	attrScope  bool                     // bare names may be the owner's attributes
}

// parseModule extracts procedures, functions, module variables and their
// references from one BSL module.
func parseModule(unit *types.Unit) *Result {
	p := &moduleParser{
		unit:       unit,
		lines:      newLineIndex(unit.Content),
		res:        &Result{},
		moduleVars: make(map[string]bool),
		seen:       make(map[string]*types.Symbol),
		selfWords:  make(map[string]string),
	}

	toks, errs := lex(unit.Content)
	p.toks = toks
	for _, e := range errs {
		p.diag(e.offset, types.SeverityWarning, e.reason)
	}

	p.initModule()
	routines, top := p.structure()

	if len(top) > 0 {
		p.scanBody(p.module.ID, top, nil)
	}
	for _, r := range routines {
		p.scanBody(r.sym.ID, r.body, r.params)
	}
	return p.res
}

func (p *moduleParser) diag(offset int, sev types.Severity, reason string) {
	p.res.Diagnostics = append(p.res.Diagnostics, types.Diagnostic{
		File:     p.unit.RelPath,
		Offset:   offset,
		Line:     p.lines.line(offset),
		Severity: sev,
		Reason:   reason,
	})
}

func (p *moduleParser) initModule() {
	u := p.unit
	name := u.ModuleName
	if name == "" {
		name = plainModuleName(strings.Split(u.RelPath, "/"), strings.TrimSuffix(lastSegment(u.RelPath), ".bsl"))
	}
	size := len(u.Content)
	p.module = &types.Symbol{
		ID:            types.SymbolID(types.NamespaceCode, name),
		QualifiedName: name,
		Name:          lastSegment(strings.ReplaceAll(name, ".", "/")),
		Kind:          types.SymbolKindModule,
		Namespace:     types.NamespaceCode,
		Container:     u.Container,
		FilePath:      u.RelPath,
		Span: types.Span{
			StartByte: 0,
			EndByte:   size,
			StartLine: 1,
			EndLine:   p.lines.lastLine(size),
		},
	}
	p.res.Symbols = append(p.res.Symbols, p.module)

	if u.Collection == "" || u.Owner == "" {
		return
	}
	owner := u.Collection + "." + u.Owner
	switch {
	case strings.HasSuffix(name, ".ObjectModule"), strings.HasSuffix(name, ".RecordSetModule"):
		p.selfWords["этотобъект"] = owner
		p.selfWords["thisobject"] = owner
		p.attrScope = true
	case strings.HasSuffix(name, ".ManagerModule"):
		p.aliasPfx = owner
	case u.FormName != "":
		if u.Collection != "CommonForms" {
			p.selfWords["объект"] = owner
			p.selfWords["object"] = owner
		}
		p.selfWords["этаформа"] = ""
		p.selfWords["thisform"] = ""
	}
}

// structure runs the declaration pass. It returns the routines in source
// order and the significant tokens of module-level statements.
func (p *moduleParser) structure() ([]*routine, []token) {
	var (
		routines []*routine
		top      []token
	)
	for i := 0; i < len(p.toks); {
		t := p.toks[i]
		if !t.significant() {
			i++
			continue
		}
		switch kw := keywordOf(t); {
		case kw == kwProcedure || kw == kwFunction:
			r, next := p.parseRoutine(i, i)
			if r != nil {
				routines = append(routines, r)
			}
			i = next
		case kw == kwAsync && p.routineAfter(i) >= 0:
			r, next := p.parseRoutine(i, p.routineAfter(i))
			if r != nil {
				routines = append(routines, r)
			}
			i = next
		case kw == kwVar:
			i = p.parseModuleVars(i)
		case kw == kwEndProcedure || kw == kwEndFunction:
			p.diag(t.start, types.SeverityWarning, fmt.Sprintf("unexpected %s", t.text))
			i++
		default:
			top = append(top, t)
			i++
		}
	}
	return routines, top
}

// routineAfter returns the index of a Procedure/Function keyword directly
// following the Async modifier at i, or -1.
func (p *moduleParser) routineAfter(i int) int {
	j := p.nextSig(i)
	if j < 0 {
		return -1
	}
	if kw := keywordOf(p.toks[j]); kw == kwProcedure || kw == kwFunction {
		return j
	}
	return -1
}

func (p *moduleParser) nextSig(i int) int {
	for j := i + 1; j < len(p.toks); j++ {
		if p.toks[j].significant() {
			return j
		}
	}
	return -1
}

// leading returns the start offset and doc text of the comment and
// annotation lines directly above token i.
func (p *moduleParser) leading(i int) (int, string) {
	start := p.toks[i].start
	line := p.toks[i].line
	var docs []string
	for k := i - 1; k >= 0; k-- {
		t := p.toks[k]
		if t.kind != tokComment && t.kind != tokAnnotation {
			break
		}
		if t.line != line-1 {
			break
		}
		if k > 0 && p.toks[k-1].line == t.line {
			break // trailing comment of a statement
		}
		if t.kind == tokComment {
			docs = append(docs, strings.TrimSpace(strings.TrimPrefix(t.text, "//")))
		}
		start, line = t.start, t.line
	}
	for l, r := 0, len(docs)-1; l < r; l, r = l+1, r-1 {
		docs[l], docs[r] = docs[r], docs[l]
	}
	return start, strings.Join(docs, "\n")
}

func (p *moduleParser) span(start, end int) types.Span {
	if end < start {
		end = start
	}
	last := end - 1
	if last < start {
		last = start
	}
	return types.Span{
		StartByte: start,
		EndByte:   end,
		StartLine: p.lines.line(start),
		EndLine:   p.lines.line(last),
	}
}

// addSymbol registers a module member. A duplicate name keeps the first
// declaration and returns it.
func (p *moduleParser) addSymbol(sym *types.Symbol) *types.Symbol {
	key := strings.ToLower(sym.QualifiedName)
	if prev, ok := p.seen[key]; ok {
		p.diag(sym.Span.StartByte, types.SeverityWarning,
			fmt.Sprintf("duplicate declaration of %s (first at line %d)", sym.Name, prev.Span.StartLine))
		return prev
	}
	p.seen[key] = sym
	p.res.Symbols = append(p.res.Symbols, sym)
	return sym
}

// parseRoutine parses a declaration whose first token (annotation-free) is
// at first and whose Procedure/Function keyword is at kwIdx. It returns the
// index to continue from.
func (p *moduleParser) parseRoutine(first, kwIdx int) (*routine, int) {
	kwTok := p.toks[kwIdx]
	isFunc := keywordOf(kwTok) == kwFunction

	ni := p.nextSig(kwIdx)
	if ni < 0 || p.toks[ni].kind != tokIdent || keywordOf(p.toks[ni]) != kwNone {
		p.diag(kwTok.start, types.SeverityError, "expected procedure or function name")
		return nil, kwIdx + 1
	}
	nameTok := p.toks[ni]

	r := &routine{params: make(map[string]bool)}
	var params []string
	headerEnd := ni

	if oi := p.nextSig(ni); oi >= 0 && p.toks[oi].is("(") {
		depth := 0
		expectName := true
		j := oi
		for ; j < len(p.toks); j++ {
			t := p.toks[j]
			if !t.significant() {
				continue
			}
			switch {
			case t.is("("):
				depth++
				continue
			case t.is(")"):
				depth--
			case depth == 1 && t.is(","):
				expectName = true
				continue
			}
			if depth == 0 {
				break
			}
			if depth == 1 && expectName && t.kind == tokIdent {
				if keywordOf(t) == kwVal {
					continue
				}
				params = append(params, t.text)
				r.params[strings.ToLower(t.text)] = true
				expectName = false
			}
		}
		if j >= len(p.toks) {
			p.diag(p.toks[oi].start, types.SeverityError, "unterminated parameter list")
			j = len(p.toks) - 1
		}
		headerEnd = j
	} else {
		p.diag(nameTok.end, types.SeverityError, fmt.Sprintf("expected parameter list after %s", nameTok.text))
	}

	exported := false
	if ei := p.nextSig(headerEnd); ei >= 0 && keywordOf(p.toks[ei]) == kwExport {
		exported = true
		headerEnd = ei
	}

	// Body: up to the matching end keyword, the next declaration or EOF.
	endKw := kwEndProcedure
	if isFunc {
		endKw = kwEndFunction
	}
	end := len(p.unit.Content)
	next := len(p.toks)
	lastBody := headerEnd
	closed := false
	for j := headerEnd + 1; j < len(p.toks) && !closed; j++ {
		t := p.toks[j]
		if !t.significant() {
			continue
		}
		kw := keywordOf(t)
		if kw == kwEndProcedure || kw == kwEndFunction {
			if kw != endKw {
				p.diag(t.start, types.SeverityWarning,
					fmt.Sprintf("%s %s closed by %s", kwTok.text, nameTok.text, t.text))
			}
			end = t.end
			next = j + 1
			// The statement terminator after the end keyword belongs to it.
			if si := p.nextSig(j); si >= 0 && p.toks[si].is(";") {
				end = p.toks[si].end
				next = si + 1
			}
			closed = true
			continue
		}
		if kw == kwProcedure || kw == kwFunction || (kw == kwAsync && p.routineAfter(j) >= 0) {
			p.diag(t.start, types.SeverityError,
				fmt.Sprintf("missing end of %s %s before next declaration", kwTok.text, nameTok.text))
			end = p.toks[lastBody].end
			next = j
			closed = true
			continue
		}
		r.body = append(r.body, t)
		lastBody = j
	}
	if !closed {
		p.diag(kwTok.start, types.SeverityError,
			fmt.Sprintf("missing end of %s %s before end of file", kwTok.text, nameTok.text))
	}

	start, doc := p.leading(first)
	kind := types.SymbolKindProcedure
	if isFunc {
		kind = types.SymbolKindFunction
	}
	qn := p.module.QualifiedName + "." + nameTok.text
	sym := &types.Symbol{
		ID:            types.SymbolID(types.NamespaceCode, qn),
		QualifiedName: qn,
		Name:          nameTok.text,
		Kind:          kind,
		Namespace:     types.NamespaceCode,
		Container:     p.module.ID,
		FilePath:      p.unit.RelPath,
		Span:          p.span(start, end),
		Signature:     strings.Join(strings.Fields(string(p.unit.Content[p.toks[first].start:p.toks[headerEnd].end])), " "),
		Params:        params,
		Exported:      exported,
		Doc:           doc,
	}
	if p.aliasPfx != "" {
		sym.Aliases = []string{p.aliasPfx + "." + nameTok.text}
	}
	r.sym = p.addSymbol(sym)
	return r, next
}

// parseModuleVars parses "Var a, b Export;" at module level.
func (p *moduleParser) parseModuleVars(i int) int {
	start, doc := p.leading(i)
	type decl struct {
		tok      token
		exported bool
	}
	var decls []decl
	end := p.toks[i].end
	j := p.nextSig(i)
scan:
	for {
		if j < 0 {
			p.diag(end, types.SeverityError, "variable declaration missing ;")
			j = len(p.toks)
			break
		}
		t := p.toks[j]
		switch {
		case t.is(";"):
			end = t.end
			j++
			break scan
		case t.is(","):
		case keywordOf(t) == kwExport && len(decls) > 0:
			decls[len(decls)-1].exported = true
		case t.kind == tokIdent && keywordOf(t) == kwNone:
			decls = append(decls, decl{tok: t})
		default:
			p.diag(t.start, types.SeverityError, "malformed variable declaration")
			break scan
		}
		end = t.end
		j = p.nextSig(j)
	}

	for _, d := range decls {
		qn := p.module.QualifiedName + "." + d.tok.text
		p.moduleVars[strings.ToLower(d.tok.text)] = true
		p.addSymbol(&types.Symbol{
			ID:            types.SymbolID(types.NamespaceCode, qn),
			QualifiedName: qn,
			Name:          d.tok.text,
			Kind:          types.SymbolKindVariable,
			Namespace:     types.NamespaceCode,
			Container:     p.module.ID,
			FilePath:      p.unit.RelPath,
			Span:          p.span(start, end),
			Exported:      d.exported,
			Doc:           doc,
		})
	}
	return j
}

// statementStart reports whether body[k] begins a statement.
func statementStart(body []token, k int) bool {
	if k == 0 {
		return true
	}
	prev := body[k-1]
	if prev.is(";") || prev.is(":") {
		return true
	}
	switch keywordOf(prev) {
	case kwThen, kwElse, kwDo, kwTry, kwExcept:
		return true
	}
	return false
}

// locals collects names that are local to a body: explicit Var
// declarations, loop variables and names first assigned there unless a
// module variable of that name exists. In object and record set modules an
// assignment to a bare name may write an attribute, so it stays a reference.
func (p *moduleParser) locals(body []token) map[string]bool {
	locals := make(map[string]bool)
	for k := 0; k < len(body); k++ {
		t := body[k]
		switch keywordOf(t) {
		case kwVar:
			for k+1 < len(body) && !body[k+1].is(";") {
				k++
				if body[k].kind == tokIdent && keywordOf(body[k]) == kwNone {
					locals[strings.ToLower(body[k].text)] = true
				}
			}
			continue
		case kwFor, kwEach:
			if k+1 < len(body) && body[k+1].kind == tokIdent && keywordOf(body[k+1]) == kwNone {
				name := strings.ToLower(body[k+1].text)
				if !p.moduleVars[name] {
					locals[name] = true
				}
			}
			continue
		case kwNone:
		default:
			continue
		}
		if !p.attrScope && t.kind == tokIdent && statementStart(body, k) && k+1 < len(body) && body[k+1].is("=") {
			name := strings.ToLower(t.text)
			if !p.moduleVars[name] {
				locals[name] = true
			}
		}
	}
	return locals
}

// scanBody emits raw references for one body. Comments, strings and
// preprocessor lines never reach it.
func (p *moduleParser) scanBody(from string, body []token, params map[string]bool) {
	locals := p.locals(body)
	skip := func(name string) bool {
		name = strings.ToLower(name)
		return locals[name] || params[name]
	}

	for k := 0; k < len(body); k++ {
		t := body[k]
		if t.kind != tokIdent {
			continue
		}
		switch keywordOf(t) {
		case kwNone:
		case kwNew:
			// Type name of a constructor.
			for k+1 < len(body) && (body[k+1].kind == tokIdent || body[k+1].is(".")) {
				k++
			}
			continue
		case kwVar:
			for k+1 < len(body) && !body[k+1].is(";") {
				k++
			}
			continue
		default:
			continue
		}
		if k > 0 && (body[k-1].is(".") || body[k-1].is("~")) {
			continue
		}

		path := []token{t}
		j := k
		for j+2 < len(body) && body[j+1].is(".") && body[j+2].kind == tokIdent {
			path = append(path, body[j+2])
			j += 2
		}
		var after token
		if j+1 < len(body) {
			after = body[j+1]
		}
		start := statementStart(body, k)
		k = j

		if skip(t.text) {
			continue
		}
		p.classify(from, path, after, start)
	}
}

func (p *moduleParser) classify(from string, path []token, after token, start bool) {
	head := path[0]
	headKey := strings.ToLower(head.text)
	names := make([]string, len(path))
	for i, t := range path {
		names[i] = t.text
	}
	isCall := after.is("(")
	isWrite := !isCall && start && after.is("=")
	rw := types.RefKindRead
	if isWrite {
		rw = types.RefKindWrite
	}

	if coll, ok := CodeCollection(head.text); ok && len(path) >= 2 {
		p.ref(from, coll+"."+names[1], types.RefKindMetadataUse, head)
		if isCall && len(path) >= 3 {
			p.ref(from, coll+"."+names[1]+"."+names[2], types.RefKindCall, head)
		}
		return
	}

	if owner, ok := p.selfWords[headKey]; ok {
		switch {
		case len(path) < 2:
		case isCall:
			p.ref(from, names[1], types.RefKindCall, head)
		case owner != "":
			p.ref(from, owner+"."+names[1], rw, head)
		}
		return
	}

	if p.moduleVars[headKey] && len(path) > 1 {
		// Method or property of the value held by a module variable.
		p.ref(from, head.text, rw, head)
		return
	}

	if isCall {
		p.ref(from, strings.Join(names, "."), types.RefKindCall, head)
		return
	}
	p.ref(from, head.text, rw, head)
}

func (p *moduleParser) ref(from, target string, kind types.RefKind, at token) {
	p.res.References = append(p.res.References, &types.Reference{
		From:       from,
		FromModule: p.module.ID,
		Target:     target,
		Kind:       kind,
		Offset:     at.start,
		Line:       at.line,
	})
}

func lastSegment(relPath string) string {
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		return relPath[i+1:]
	}
	return relPath
}
