package parser

import (
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// parseForm extracts a managed form layout: the form itself, its named
// items, event handler bindings and data paths into the owner object.
func parseForm(unit *types.Unit) *Result {
	p := newXMLUnitParser(unit)
	root, xerr := parseXMLTree(unit.Content)

	coll := unit.Collection
	if coll == "" {
		// A form outside any collection is addressed like a common form.
		coll = "CommonForms"
	}
	qn := unit.Owner + "." + unit.FormName
	if unit.Owner == "" || unit.FormName == "" {
		qn = plainModuleName(strings.Split(unit.RelPath, "/"), "Form")
	}
	form := &types.Symbol{
		ID:            types.SymbolID(coll, qn),
		QualifiedName: qn,
		Name:          lastSegment(strings.ReplaceAll(qn, ".", "/")),
		Kind:          types.SymbolKindForm,
		Namespace:     coll,
		Container:     unit.Container,
		FilePath:      unit.RelPath,
		Span:          p.span(&xmlNode{start: 0, end: len(unit.Content)}),
	}
	p.add(form)

	fp := &formParser{xmlUnitParser: p, form: form, handlers: qn + ".Module."}
	if coll != "CommonForms" && unit.Owner != "" {
		fp.owner = coll + "." + unit.Owner
	}

	layout := root.child("Form")
	if layout == nil {
		if xerr == nil {
			p.diag(0, types.SeverityError, "missing Form root element")
		}
		p.syntax(xerr)
		return p.res
	}

	fp.events(form, layout.child("Events"))
	for _, attr := range layout.path("Attributes").childrenNamed("Attribute") {
		for _, t := range typeNodes(attr.child("Type")) {
			if c, name, ok := CollectionForType(t.value()); ok {
				p.ref(form, form.ID, c+"."+name, types.RefKindTypeReference, t)
			}
		}
	}
	for _, cmd := range layout.path("Commands").childrenNamed("Command") {
		if action := cmd.child("Action"); action.value() != "" {
			p.ref(form, form.ID, fp.handlers+action.value(), types.RefKindCall, action)
		}
	}
	fp.items(layout.child("ChildItems"))

	p.syntax(xerr)
	return p.res
}

type formParser struct {
	*xmlUnitParser
	form     *types.Symbol
	handlers string // qualified name prefix of the form module's procedures
	owner    string // collection-qualified owner object, for Object.* data paths
}

func (fp *formParser) items(childItems *xmlNode) {
	for _, n := range childItems.childrenOrNil() {
		name := n.attr("name")
		if name == "" {
			continue
		}
		qn := fp.form.QualifiedName + "." + name
		el := &types.Symbol{
			ID:            types.SymbolID(fp.form.Namespace, qn),
			QualifiedName: qn,
			Name:          name,
			Kind:          types.SymbolKindFormElement,
			Namespace:     fp.form.Namespace,
			Container:     fp.form.ID,
			FilePath:      fp.unit.RelPath,
			Span:          fp.span(n),
			TypeName:      n.name,
		}
		if fp.add(el) {
			if dp := n.child("DataPath"); dp != nil {
				fp.dataPath(el, dp)
			}
			fp.events(el, n.child("Events"))
		}
		fp.items(n.child("ChildItems"))
	}
}

// dataPath records a read of the owner attribute bound through the form's
// main attribute ("Object.Category" or "Объект.Category").
func (fp *formParser) dataPath(el *types.Symbol, dp *xmlNode) {
	segs := strings.Split(dp.value(), ".")
	if fp.owner == "" || len(segs) < 2 {
		return
	}
	switch strings.ToLower(segs[0]) {
	case "object", "объект":
		fp.ref(el, fp.form.ID, fp.owner+"."+segs[1], types.RefKindRead, dp)
	}
}

func (fp *formParser) events(from *types.Symbol, events *xmlNode) {
	for _, ev := range events.childrenNamed("Event") {
		if h := ev.value(); h != "" {
			fp.ref(from, fp.form.ID, fp.handlers+h, types.RefKindCall, ev)
		}
	}
}
