package parser

import (
	"path"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// metadataTypes maps the singular type word used in XML type names and
// object references ("Catalog" in "cfg:CatalogRef.X" or "Catalog.X") to the
// collection directory of the configuration dump.
var metadataTypes = map[string]string{
	"Catalog":                    "Catalogs",
	"Document":                   "Documents",
	"DocumentJournal":            "DocumentJournals",
	"Enum":                       "Enums",
	"Constant":                   "Constants",
	"InformationRegister":        "InformationRegisters",
	"AccumulationRegister":       "AccumulationRegisters",
	"AccountingRegister":         "AccountingRegisters",
	"CalculationRegister":        "CalculationRegisters",
	"ChartOfAccounts":            "ChartsOfAccounts",
	"ChartOfCharacteristicTypes": "ChartsOfCharacteristicTypes",
	"ChartOfCalculationTypes":    "ChartsOfCalculationTypes",
	"ExchangePlan":               "ExchangePlans",
	"BusinessProcess":            "BusinessProcesses",
	"Task":                       "Tasks",
	"DataProcessor":              "DataProcessors",
	"Report":                     "Reports",
	"CommonModule":               "CommonModules",
	"CommonForm":                 "CommonForms",
	"CommonCommand":              "CommonCommands",
	"DefinedType":                "DefinedTypes",
}

// typeSuffixes are stripped from XML type words, longest first.
var typeSuffixes = []string{
	"RecordManager", "RecordSet", "RecordKey", "Manager", "Selection", "Object", "List", "Ref",
}

// codeCollections maps the global collection names usable in code, in both
// languages and lowercased, to the English collection directory.
var codeCollections = map[string]string{
	"справочники":             "Catalogs",
	"документы":               "Documents",
	"журналыдокументов":       "DocumentJournals",
	"перечисления":            "Enums",
	"константы":               "Constants",
	"регистрысведений":        "InformationRegisters",
	"регистрынакопления":      "AccumulationRegisters",
	"регистрыбухгалтерии":     "AccountingRegisters",
	"регистрырасчета":         "CalculationRegisters",
	"планысчетов":             "ChartsOfAccounts",
	"планывидовхарактеристик": "ChartsOfCharacteristicTypes",
	"планывидоврасчета":       "ChartsOfCalculationTypes",
	"планыобмена":             "ExchangePlans",
	"бизнеспроцессы":          "BusinessProcesses",
	"задачи":                  "Tasks",
	"обработки":               "DataProcessors",
	"отчеты":                  "Reports",
	"общиемодули":             "CommonModules",
}

func init() {
	for _, coll := range metadataTypes {
		switch coll {
		case "CommonForms", "CommonCommands", "DefinedTypes":
			continue
		}
		codeCollections[strings.ToLower(coll)] = coll
	}
}

// moduleKinds normalizes module file names, including the Russian names
// some exporters produce.
var moduleKinds = map[string]string{
	"objectmodule":        "ObjectModule",
	"managermodule":       "ManagerModule",
	"recordsetmodule":     "RecordSetModule",
	"commandmodule":       "CommandModule",
	"valuemanagermodule":  "ValueManagerModule",
	"module":              "Module",
	"модульобъекта":       "ObjectModule",
	"модульменеджера":     "ManagerModule",
	"модульнаборазаписей": "RecordSetModule",
	"модулькоманды":       "CommandModule",
	"модуль":              "Module",
}

// CodeCollection returns the English collection for a global collection
// identifier used in code (e.g. "Справочники" or "Catalogs").
func CodeCollection(ident string) (string, bool) {
	coll, ok := codeCollections[strings.ToLower(ident)]
	return coll, ok
}

// IsCollectionDir reports whether dir is a metadata collection directory
// whose <dir>/<Name>.xml files describe objects.
func IsCollectionDir(dir string) bool {
	for _, coll := range metadataTypes {
		if coll == dir {
			return true
		}
	}
	return false
}

// CollectionForType maps an XML type name such as "cfg:CatalogRef.Products"
// or an object reference such as "Catalog.Products" to its collection and
// object name.
func CollectionForType(typeName string) (collection, name string, ok bool) {
	typeName = strings.TrimSpace(typeName)
	if i := strings.IndexByte(typeName, ':'); i >= 0 {
		typeName = typeName[i+1:]
	}
	word, name, found := strings.Cut(typeName, ".")
	if !found || name == "" || strings.Contains(name, ".") {
		return "", "", false
	}
	if coll, ok := metadataTypes[word]; ok {
		return coll, name, true
	}
	for _, suffix := range typeSuffixes {
		if base, cut := strings.CutSuffix(word, suffix); cut {
			if coll, ok := metadataTypes[base]; ok {
				return coll, name, true
			}
		}
	}
	return "", "", false
}

// UnitInfo is the kind and naming context derived from a unit's location.
type UnitInfo struct {
	Kind       types.UnitKind
	ModuleName string
	Collection string
	Owner      string
	FormName   string
	Container  string
}

// Apply copies the naming context onto u.
func (i UnitInfo) Apply(u *types.Unit) {
	u.Kind = i.Kind
	u.ModuleName = i.ModuleName
	u.Collection = i.Collection
	u.Owner = i.Owner
	u.FormName = i.FormName
	u.Container = i.Container
}

// Describe tags a slash-separated path relative to the configuration root.
// The second result is false for files that are not indexed.
func Describe(relPath string) (UnitInfo, bool) {
	segs := strings.Split(relPath, "/")
	base := segs[len(segs)-1]
	ext := strings.ToLower(path.Ext(base))
	stem := strings.TrimSuffix(base, path.Ext(base))
	n := len(segs)

	switch ext {
	case ".bsl":
		info := UnitInfo{Kind: types.UnitKindModule}
		switch {
		case n == 4 && isExt(segs[2]):
			coll, obj := segs[0], segs[1]
			kind := moduleKind(stem)
			info.Collection, info.Owner = coll, obj
			info.Container = types.SymbolID(coll, obj)
			if coll == "CommonModules" && kind == "Module" {
				info.ModuleName = obj
			} else {
				info.ModuleName = obj + "." + kind
			}
			return info, true

		case n == 7 && segs[2] == "Forms" && isExt(segs[4]) && segs[5] == "Form":
			coll, obj, form := segs[0], segs[1], segs[3]
			info.Collection, info.Owner, info.FormName = coll, obj, form
			info.Container = types.SymbolID(coll, obj+"."+form)
			info.ModuleName = obj + "." + form + ".Module"
			return info, true

		case n == 5 && segs[0] == "CommonForms" && isExt(segs[2]) && segs[3] == "Form":
			obj := segs[1]
			info.Collection, info.Owner, info.FormName = "CommonForms", obj, "Form"
			info.Container = types.SymbolID("CommonForms", obj+".Form")
			info.ModuleName = obj + ".Form.Module"
			return info, true

		case n == 6 && segs[2] == "Commands" && isExt(segs[4]):
			coll, obj, cmd := segs[0], segs[1], segs[3]
			info.Collection, info.Owner = coll, obj
			info.Container = types.SymbolID(coll, obj+"."+cmd)
			info.ModuleName = obj + "." + cmd + "." + moduleKind(stem)
			return info, true
		}
		info.ModuleName = plainModuleName(segs, stem)
		return info, true

	case ".xml":
		switch {
		case n == 1 && base == "Configuration.xml":
			return UnitInfo{Kind: types.UnitKindMetadata, Collection: "Configuration", Owner: stem}, true

		case n == 2 && IsCollectionDir(segs[0]):
			return UnitInfo{
				Kind:       types.UnitKindMetadata,
				Collection: segs[0],
				Owner:      stem,
			}, true

		case n == 6 && segs[2] == "Forms" && isExt(segs[4]) && base == "Form.xml":
			coll, obj := segs[0], segs[1]
			return UnitInfo{
				Kind:       types.UnitKindForm,
				Collection: coll,
				Owner:      obj,
				FormName:   segs[3],
				Container:  types.SymbolID(coll, obj),
			}, true

		case n == 4 && segs[0] == "CommonForms" && isExt(segs[2]) && base == "Form.xml":
			return UnitInfo{
				Kind:       types.UnitKindForm,
				Collection: "CommonForms",
				Owner:      segs[1],
				FormName:   "Form",
				Container:  types.SymbolID("CommonForms", segs[1]),
			}, true
		}
	}
	return UnitInfo{}, false
}

func isExt(seg string) bool {
	return seg == "Ext"
}

func moduleKind(stem string) string {
	if kind, ok := moduleKinds[strings.ToLower(stem)]; ok {
		return kind
	}
	return stem
}

func plainModuleName(segs []string, stem string) string {
	parts := make([]string, 0, len(segs))
	for _, seg := range segs[:len(segs)-1] {
		if isExt(seg) || seg == "" {
			continue
		}
		parts = append(parts, seg)
	}
	parts = append(parts, stem)
	return strings.Join(parts, ".")
}
