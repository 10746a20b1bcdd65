package tags

import (
	"strings"

	"github.com/blazehq/blaze/model"
)

// Render serializes a directive back to its tag form. Partial directives
// render without their closing tag so a live display always shows the
// directive exactly as far as it has streamed in.
func Render(d *model.Directive) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(WireName(d.Kind))
	for _, a := range renderAttrs(d) {
		b.WriteByte(' ')
		b.WriteString(a.name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(a.value))
		b.WriteByte('"')
	}
	b.WriteByte('>')

	switch d.Kind {
	case model.KindWrite:
		b.WriteByte('\n')
		b.WriteString(d.Content)
		if d.Complete {
			b.WriteByte('\n')
			b.WriteString("</" + WireName(d.Kind) + ">")
		}
	case model.KindChatSummary:
		b.WriteString(d.Content)
		if d.Complete {
			b.WriteString("</" + WireName(d.Kind) + ">")
		}
	case model.KindSearchReplace:
		renderSearchReplaceBody(&b, d)
	default:
		if d.Complete {
			b.WriteString("</" + WireName(d.Kind) + ">")
		}
	}
	return b.String()
}

// RenderStream rewrites mixed prose-and-directive text for live display:
// prose is kept verbatim and every directive span (complete or in-flight) is
// replaced with its canonical rendering, so a half-received closing tag or
// conflict marker never leaks to the client.
func RenderStream(text string) string {
	var b strings.Builder
	parsed := Parse(text)
	n := 0
	i := 0
	for {
		start, wire := findOpenTag(text, i)
		if start < 0 || n >= len(parsed) {
			b.WriteString(text[i:])
			return b.String()
		}
		b.WriteString(text[i:start])
		b.WriteString(Render(parsed[n]))
		n++

		nameEnd := start + len(tagPrefix) + len(wire)
		openEnd, selfClosed := scanOpenTag(text, nameEnd)
		if openEnd < 0 {
			return b.String()
		}
		if selfClosed {
			i = openEnd
			continue
		}
		closeTag := "</blaze-" + wire + ">"
		rel := strings.Index(text[openEnd:], closeTag)
		if rel < 0 {
			return b.String()
		}
		i = openEnd + rel + len(closeTag)
	}
}

// RenderAll serializes a directive list, complete and partial, in order.
func RenderAll(ds []*model.Directive) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, Render(d))
	}
	return strings.Join(parts, "\n\n")
}

// renderSearchReplaceBody emits the conflict-marker layout. The replace
// section divider appears as soon as replace text has begun, and always by
// completion even when no replace text was ever seen.
func renderSearchReplaceBody(b *strings.Builder, d *model.Directive) {
	b.WriteByte('\n')
	b.WriteString(SearchMarker)
	b.WriteByte('\n')
	b.WriteString(d.Search)
	if d.ReplaceSeen || d.Complete {
		b.WriteByte('\n')
		b.WriteString(DividerMarker)
		b.WriteByte('\n')
		b.WriteString(d.Replace)
	}
	if d.Complete {
		b.WriteByte('\n')
		b.WriteString(ReplaceMarker)
		b.WriteByte('\n')
		b.WriteString("</" + WireName(d.Kind) + ">")
	}
}

type attr struct {
	name  string
	value string
}

func renderAttrs(d *model.Directive) []attr {
	var out []attr
	add := func(name, value string) {
		if value != "" {
			out = append(out, attr{name, value})
		}
	}
	switch d.Kind {
	case model.KindWrite, model.KindSearchReplace:
		add("path", d.Path)
		add("description", d.Description)
	case model.KindDelete:
		add("path", d.Path)
	case model.KindRename:
		add("from", d.From)
		add("to", d.To)
	case model.KindAddDependency:
		add("packages", strings.Join(d.Packages, " "))
	}
	return out
}
