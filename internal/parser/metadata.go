package parser

import (
	"fmt"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// attributeElements are ChildObjects entries that describe data fields.
var attributeElements = map[string]bool{
	"Attribute":                  true,
	"Dimension":                  true,
	"Resource":                   true,
	"AccountingFlag":             true,
	"ExtDimensionAccountingFlag": true,
	"EnumValue":                  true,
	"AddressingAttribute":        true,
}

type xmlUnitParser struct {
	unit  *types.Unit
	lines lineIndex
	res   *Result
	seen  map[string]bool
}

func newXMLUnitParser(unit *types.Unit) *xmlUnitParser {
	return &xmlUnitParser{
		unit:  unit,
		lines: newLineIndex(unit.Content),
		res:   &Result{},
		seen:  make(map[string]bool),
	}
}

func (p *xmlUnitParser) diag(offset int, sev types.Severity, reason string) {
	p.res.Diagnostics = append(p.res.Diagnostics, types.Diagnostic{
		File:     p.unit.RelPath,
		Offset:   offset,
		Line:     p.lines.line(offset),
		Severity: sev,
		Reason:   reason,
	})
}

func (p *xmlUnitParser) span(n *xmlNode) types.Span {
	end := n.end
	if end < n.start {
		end = n.start
	}
	last := end - 1
	if last < n.start {
		last = n.start
	}
	return types.Span{
		StartByte: n.start,
		EndByte:   end,
		StartLine: p.lines.line(n.start),
		EndLine:   p.lines.line(last),
	}
}

// add registers a symbol unless its ID was already produced by this unit.
func (p *xmlUnitParser) add(sym *types.Symbol) bool {
	key := strings.ToLower(sym.ID)
	if p.seen[key] {
		p.diag(sym.Span.StartByte, types.SeverityWarning, fmt.Sprintf("duplicate %s %s", sym.Kind, sym.QualifiedName))
		return false
	}
	p.seen[key] = true
	p.res.Symbols = append(p.res.Symbols, sym)
	return true
}

func (p *xmlUnitParser) ref(from *types.Symbol, scope, target string, kind types.RefKind, at *xmlNode) {
	p.res.References = append(p.res.References, &types.Reference{
		From:       from.ID,
		FromModule: scope,
		Target:     target,
		Kind:       kind,
		Offset:     at.start,
		Line:       p.lines.line(at.start),
	})
}

func (p *xmlUnitParser) syntax(xerr *xmlSyntaxError) {
	if xerr != nil {
		p.diag(xerr.offset, types.SeverityError, "malformed XML: "+xerr.reason)
	}
}

// parseMetadata extracts the object described by one MDClasses document,
// its attributes, tabular sections and commands, and the type references
// between objects.
func parseMetadata(unit *types.Unit) *Result {
	p := newXMLUnitParser(unit)
	root, xerr := parseXMLTree(unit.Content)

	md := root.child("MetaDataObject")
	if md == nil && xerr == nil {
		p.diag(0, types.SeverityError, "missing MetaDataObject root element")
	}
	for _, obj := range md.childrenOrNil() {
		p.object(obj)
	}
	p.syntax(xerr)
	return p.res
}

func (n *xmlNode) childrenOrNil() []*xmlNode {
	if n == nil {
		return nil
	}
	return n.children
}

func (p *xmlUnitParser) object(n *xmlNode) {
	props := n.child("Properties")
	name := props.child("Name").value()
	if name == "" {
		name = p.unit.Owner
		p.diag(n.start, types.SeverityWarning, fmt.Sprintf("%s without Name, using %q", n.name, name))
	}
	if name == "" {
		return
	}

	coll, ok := metadataTypes[n.name]
	switch {
	case ok:
	case n.name == "Configuration":
		coll = "Configuration"
	case p.unit.Collection != "":
		coll = p.unit.Collection
	default:
		coll = n.name
	}

	obj := &types.Symbol{
		ID:            types.SymbolID(coll, name),
		QualifiedName: name,
		Name:          name,
		Kind:          types.SymbolKindObject,
		Namespace:     coll,
		FilePath:      p.unit.RelPath,
		Span:          p.span(n),
		Doc:           props.child("Comment").value(),
		Synonym:       synonym(props),
		TypeName:      n.name,
	}
	if !p.add(obj) {
		return
	}

	// Object references in properties: owners, register records, based-on.
	props.walk(func(c *xmlNode) bool {
		if c.name != "Item" || len(c.children) > 0 {
			return true
		}
		if tc, tn, ok := CollectionForType(c.value()); ok {
			if tc == coll && strings.EqualFold(tn, name) {
				return true
			}
			p.ref(obj, obj.ID, tc+"."+tn, types.RefKindMetadataUse, c)
		}
		return true
	})

	for _, c := range n.child("ChildObjects").childrenOrNil() {
		switch {
		case attributeElements[c.name]:
			p.attribute(obj, obj, c)
		case c.name == "TabularSection":
			ts := p.member(obj, obj, c, types.SymbolKindTabularSection)
			if ts == nil {
				continue
			}
			for _, a := range c.child("ChildObjects").childrenOrNil() {
				if attributeElements[a.name] {
					p.attribute(obj, ts, a)
				}
			}
		case c.name == "Command":
			p.member(obj, obj, c, types.SymbolKindCommand)
		}
	}
}

// member creates a named child symbol of parent.
func (p *xmlUnitParser) member(obj, parent *types.Symbol, n *xmlNode, kind types.SymbolKind) *types.Symbol {
	props := n.child("Properties")
	name := props.child("Name").value()
	if name == "" {
		p.diag(n.start, types.SeverityWarning, fmt.Sprintf("%s of %s without Name", n.name, parent.QualifiedName))
		return nil
	}
	qn := parent.QualifiedName + "." + name
	sym := &types.Symbol{
		ID:            types.SymbolID(obj.Namespace, qn),
		QualifiedName: qn,
		Name:          name,
		Kind:          kind,
		Namespace:     obj.Namespace,
		Container:     parent.ID,
		FilePath:      p.unit.RelPath,
		Span:          p.span(n),
		Doc:           props.child("Comment").value(),
		Synonym:       synonym(props),
	}
	if !p.add(sym) {
		return nil
	}
	return sym
}

func (p *xmlUnitParser) attribute(obj, parent *types.Symbol, n *xmlNode) {
	attr := p.member(obj, parent, n, types.SymbolKindAttribute)
	if attr == nil {
		return
	}
	var typeNames []string
	for _, t := range typeNodes(n.path("Properties", "Type")) {
		typeNames = append(typeNames, t.value())
		if coll, name, ok := CollectionForType(t.value()); ok {
			p.ref(attr, obj.ID, coll+"."+name, types.RefKindTypeReference, t)
		}
	}
	attr.TypeName = strings.Join(typeNames, ", ")
}

// typeNodes returns the v8:Type and v8:TypeSet entries of a type description.
func typeNodes(typ *xmlNode) []*xmlNode {
	var out []*xmlNode
	for _, c := range typ.childrenOrNil() {
		if (c.name == "Type" || c.name == "TypeSet") && c.value() != "" {
			out = append(out, c)
		}
	}
	return out
}

// synonym returns the first presentation of a localized Synonym.
func synonym(props *xmlNode) string {
	for _, item := range props.child("Synonym").childrenNamed("item") {
		if v := item.child("content").value(); v != "" {
			return v
		}
	}
	return ""
}
