// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package configdoc generates the configuration reference from the
// config package's own source. HCL tags name the attributes, doc
// comments describe them, and @default annotations record what
// ApplyDefaults fills in, so the reference cannot drift from the
// code that loads the file.
package configdoc

import (
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strings"

	"grimm.is/slipwire/internal/errors"
)

// Field is one HCL attribute.
type Field struct {
	Name     string // attribute name from the hcl tag
	Type     string // string, number, bool, list(string)
	Optional bool
	Default  string // from the @default annotation
	Doc      string
}

// Label is a block label, like the rule name.
type Label struct {
	Name string
	Doc  string
}

// Block is one HCL stanza.
type Block struct {
	Name     string
	Doc      string
	Repeated bool // []T fields appear once per stanza
	Labels   []Label
	Fields   []Field
	Blocks   []Block
}

// Reference is the documented config surface, blocks in the order
// the root struct declares them.
type Reference struct {
	Doc    string // root struct doc
	Fields []Field
	Blocks []Block
}

type parsedStruct struct {
	name   string
	doc    string
	fields []parsedField
}

type parsedField struct {
	goType  string
	doc     string
	hclName string
	opts    map[string]bool
	def     string
}

// Parser collects HCL-tagged structs from Go source.
type Parser struct {
	fset    *token.FileSet
	structs map[string]*parsedStruct
}

func NewParser() *Parser {
	return &Parser{
		fset:    token.NewFileSet(),
		structs: make(map[string]*parsedStruct),
	}
}

// Parse reads every non-test Go file in the directories and records
// each struct that carries at least one hcl tag. The config package
// references the syslog block from the logging package, so callers
// usually parse both.
func (p *Parser) Parse(dirs ...string) error {
	for _, dir := range dirs {
		pkgs, err := parser.ParseDir(p.fset, dir, nil, parser.ParseComments)
		if err != nil {
			return errors.Wrapf(err, errors.KindInternal, "parsing %s", dir)
		}
		for name, pkg := range pkgs {
			if strings.HasSuffix(name, "_test") {
				continue
			}
			p.collect(pkg)
		}
	}
	return nil
}

func (p *Parser) collect(pkg *ast.Package) {
	for _, file := range pkg.Files {
		for _, decl := range file.Decls {
			gen, ok := decl.(*ast.GenDecl)
			if !ok || gen.Tok != token.TYPE {
				continue
			}
			for _, spec := range gen.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				st, ok := ts.Type.(*ast.StructType)
				if !ok || !hasHCLTag(st) {
					continue
				}
				p.structs[ts.Name.Name] = parseStruct(ts.Name.Name, st, gen.Doc)
			}
		}
	}
}

func hasHCLTag(st *ast.StructType) bool {
	if st.Fields == nil {
		return false
	}
	for _, f := range st.Fields.List {
		if f.Tag != nil && strings.Contains(f.Tag.Value, "hcl:") {
			return true
		}
	}
	return false
}

func parseStruct(name string, st *ast.StructType, doc *ast.CommentGroup) *parsedStruct {
	ps := &parsedStruct{name: name, doc: commentText(doc)}
	for _, f := range st.Fields.List {
		if len(f.Names) == 0 || f.Tag == nil {
			continue
		}
		tag := reflect.StructTag(strings.Trim(f.Tag.Value, "`")).Get("hcl")
		if tag == "" {
			continue
		}
		parts := strings.Split(tag, ",")
		pf := parsedField{
			goType:  typeString(f.Type),
			hclName: parts[0],
			opts:    make(map[string]bool),
		}
		for _, o := range parts[1:] {
			pf.opts[o] = true
		}

		// Field doc plus the inline comment; @default lines carry
		// the value ApplyDefaults would set. Joined with a newline so
		// an inline annotation stays on its own line.
		text := commentText(f.Doc)
		if inline := commentText(f.Comment); inline != "" {
			if text == "" {
				text = inline
			} else {
				text += "\n" + inline
			}
		}
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "@default:") {
				pf.def = strings.TrimSpace(strings.TrimPrefix(line, "@default:"))
			}
		}
		pf.doc = stripAnnotations(text)

		ps.fields = append(ps.fields, pf)
	}
	return ps
}

// Build assembles the reference rooted at the named struct,
// recursing into block fields.
func (p *Parser) Build(root string) (*Reference, error) {
	rs, ok := p.structs[root]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "no struct %s with hcl tags was parsed", root)
	}
	ref := &Reference{Doc: rs.doc}
	for _, f := range rs.fields {
		if f.opts["block"] {
			ref.Blocks = append(ref.Blocks, p.buildBlock(f))
		} else {
			ref.Fields = append(ref.Fields, buildField(f))
		}
	}
	return ref, nil
}

func (p *Parser) buildBlock(f parsedField) Block {
	b := Block{
		Name:     f.hclName,
		Doc:      f.doc,
		Repeated: strings.HasPrefix(f.goType, "[]"),
	}

	inner, ok := p.structs[bareType(f.goType)]
	if !ok {
		return b
	}
	if b.Doc == "" {
		b.Doc = inner.doc
	}
	for _, nf := range inner.fields {
		switch {
		case nf.opts["label"]:
			b.Labels = append(b.Labels, Label{Name: nf.hclName, Doc: nf.doc})
		case nf.opts["block"]:
			b.Blocks = append(b.Blocks, p.buildBlock(nf))
		default:
			b.Fields = append(b.Fields, buildField(nf))
		}
	}
	return b
}

func buildField(f parsedField) Field {
	return Field{
		Name:     f.hclName,
		Type:     hclType(f.goType),
		Optional: f.opts["optional"],
		Default:  f.def,
		Doc:      f.doc,
	}
}

// bareType strips pointers, slices, and the package qualifier so
// "*logging.SyslogConfig" resolves the parsed SyslogConfig struct.
func bareType(t string) string {
	t = strings.TrimPrefix(t, "[]")
	t = strings.TrimPrefix(t, "*")
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}

func hclType(goType string) string {
	goType = strings.TrimPrefix(goType, "*")
	if strings.HasPrefix(goType, "[]") {
		return "list(" + hclType(goType[2:]) + ")"
	}
	switch goType {
	case "string":
		return "string"
	case "bool":
		return "bool"
	case "int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64",
		"float32", "float64":
		return "number"
	default:
		return "object"
	}
}

func stripAnnotations(doc string) string {
	var keep []string
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "@") {
			continue
		}
		keep = append(keep, line)
	}
	return strings.TrimSpace(strings.Join(keep, "\n"))
}

func commentText(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	return strings.TrimSpace(cg.Text())
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	default:
		return "object"
	}
}
