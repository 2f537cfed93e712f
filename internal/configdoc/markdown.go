// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/install"
)

// Markdown renders the reference as one document: a syntax sketch
// per stanza followed by an attribute table, blocks in declaration
// order so the page reads like the config file does.
func Markdown(ref *Reference) []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s configuration reference\n\n", brand.Name)
	fmt.Fprintf(&sb, "Generated from the config package. The daemon reads %s;\n", install.ConfigFile())
	sb.WriteString("every attribute below is optional unless marked required.\n\n")
	if ref.Doc != "" {
		sb.WriteString(ref.Doc)
		sb.WriteString("\n\n")
	}

	if len(ref.Fields) > 0 {
		sb.WriteString("## Top-level attributes\n\n")
		fieldTable(&sb, ref.Fields)
	}

	for i := range ref.Blocks {
		writeBlock(&sb, &ref.Blocks[i], 2)
	}

	return []byte(sb.String())
}

func writeBlock(sb *strings.Builder, b *Block, level int) {
	fmt.Fprintf(sb, "%s %s\n\n", strings.Repeat("#", level), b.Name)
	if b.Doc != "" {
		sb.WriteString(b.Doc)
		sb.WriteString("\n\n")
	}
	if b.Repeated {
		sb.WriteString("May appear multiple times; order is evaluation order.\n\n")
	}

	sb.WriteString("```hcl\n")
	sb.WriteString(b.Name)
	for _, l := range b.Labels {
		fmt.Fprintf(sb, " %q", l.Name)
	}
	sb.WriteString(" {\n")
	for _, f := range b.Fields {
		fmt.Fprintf(sb, "  %s = %s\n", f.Name, sketchValue(f))
	}
	for i := range b.Blocks {
		fmt.Fprintf(sb, "  %s { ... }\n", b.Blocks[i].Name)
	}
	sb.WriteString("}\n```\n\n")

	if len(b.Labels) > 0 {
		for _, l := range b.Labels {
			fmt.Fprintf(sb, "The %q label is required", l.Name)
			if l.Doc != "" {
				fmt.Fprintf(sb, ": %s", strings.ToLower(firstSentence(l.Doc)))
			}
			sb.WriteString("\n\n")
		}
	}

	if len(b.Fields) > 0 {
		fieldTable(sb, b.Fields)
	}

	for i := range b.Blocks {
		writeBlock(sb, &b.Blocks[i], level+1)
	}
}

func fieldTable(sb *strings.Builder, fields []Field) {
	sb.WriteString("| Attribute | Type | Default | Description |\n")
	sb.WriteString("|-----------|------|---------|-------------|\n")
	for _, f := range fields {
		def := f.Default
		if def == "" && !f.Optional {
			def = "required"
		}
		doc := strings.ReplaceAll(f.Doc, "\n", " ")
		doc = strings.ReplaceAll(doc, "|", "\\|")
		fmt.Fprintf(sb, "| `%s` | %s | %s | %s |\n", f.Name, f.Type, def, doc)
	}
	sb.WriteString("\n")
}

// sketchValue picks a placeholder for the syntax sketch: the default
// when it is literal HCL, a type hint otherwise. Prose defaults like
// "NumCPU, capped at 8" only belong in the table.
func sketchValue(f Field) string {
	if f.Default != "" {
		switch f.Type {
		case "string":
			return fmt.Sprintf("%q", f.Default)
		case "number":
			if _, err := strconv.Atoi(f.Default); err == nil {
				return f.Default
			}
		case "bool":
			if f.Default == "true" || f.Default == "false" {
				return f.Default
			}
		}
	}
	switch f.Type {
	case "string":
		return `"..."`
	case "bool":
		return "false"
	case "number":
		return "0"
	default:
		return "[...]"
	}
}

func firstSentence(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}
