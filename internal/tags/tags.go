// Package tags recognizes <blaze-*> directives embedded in free-form model
// output. Parsing is a pure function of the full accumulated text: the caller
// re-runs Parse on every stream increment and gets back the current set of
// directives, partial and complete, in first-seen order.
package tags

import (
	"regexp"
	"strings"

	"github.com/blazehq/blaze/model"
)

// Wire tag names, without the "blaze-" prefix.
const (
	wireWrite         = "write"
	wireDelete        = "delete"
	wireRename        = "rename"
	wireSearchReplace = "search-replace"
	wireAddDependency = "add-dependency"
	wireChatSummary   = "chat-summary"
)

const tagPrefix = "<blaze-"

// Conflict markers used by the search-replace body.
const (
	SearchMarker  = "<<<<<<< SEARCH"
	DividerMarker = "======="
	ReplaceMarker = ">>>>>>> REPLACE"
)

// Fullwidth substitutes for angle brackets inside attribute values, so a
// literal "<a>" written by the model can never open or close a tag.
const (
	substLT = "＜"
	substGT = "＞"
)

var wireToKind = map[string]model.DirectiveKind{
	wireWrite:         model.KindWrite,
	wireDelete:        model.KindDelete,
	wireRename:        model.KindRename,
	wireSearchReplace: model.KindSearchReplace,
	wireAddDependency: model.KindAddDependency,
	wireChatSummary:   model.KindChatSummary,
}

// WireName returns the tag name (without angle brackets) for a directive kind.
func WireName(kind model.DirectiveKind) string {
	for wire, k := range wireToKind {
		if k == kind {
			return "blaze-" + wire
		}
	}
	return ""
}

// Parse converts the full accumulated text into the current directive list.
// It is pure and idempotent: the same text always yields the same list.
func Parse(text string) []*model.Directive {
	var out []*model.Directive
	i := 0
	for {
		start, wire := findOpenTag(text, i)
		if start < 0 {
			return out
		}
		d := &model.Directive{Kind: wireToKind[wire]}
		nameEnd := start + len(tagPrefix) + len(wire)

		openEnd, selfClosed := scanOpenTag(text, nameEnd)
		if openEnd < 0 {
			// Opening tag still streaming in; expose the attributes whose
			// closing quote has arrived.
			applyAttrs(d, parseAttrs(text[nameEnd:]))
			return append(out, d)
		}
		attrEnd := openEnd - 1
		if selfClosed {
			attrEnd--
		}
		applyAttrs(d, parseAttrs(text[nameEnd:attrEnd]))

		if selfClosed {
			d.Complete = true
			setBody(d, "")
			out = append(out, d)
			i = openEnd
			continue
		}

		closeTag := "</blaze-" + wire + ">"
		rel := strings.Index(text[openEnd:], closeTag)
		if rel < 0 {
			// No closing tag yet: the rest of the text is this directive's
			// body in progress. A half-received closing tag is withheld so
			// accumulated content never retracts on the next increment.
			setBody(d, trimPartialSuffix(text[openEnd:], closeTag))
			return append(out, d)
		}
		d.Complete = true
		setBody(d, text[openEnd:openEnd+rel])
		out = append(out, d)
		i = openEnd + rel + len(closeTag)
	}
}

// ExtractActionable returns the concatenation of the raw spans of all
// complete directives found in text, discarding surrounding prose. The spans
// are slices of the original text, so the result is a valid payload on its
// own.
func ExtractActionable(text string) string {
	var spans []string
	i := 0
	for {
		start, wire := findOpenTag(text, i)
		if start < 0 {
			break
		}
		nameEnd := start + len(tagPrefix) + len(wire)
		openEnd, selfClosed := scanOpenTag(text, nameEnd)
		if openEnd < 0 {
			break
		}
		if selfClosed {
			spans = append(spans, text[start:openEnd])
			i = openEnd
			continue
		}
		closeTag := "</blaze-" + wire + ">"
		rel := strings.Index(text[openEnd:], closeTag)
		if rel < 0 {
			break
		}
		end := openEnd + rel + len(closeTag)
		spans = append(spans, text[start:end])
		i = end
	}
	return strings.Join(spans, "\n\n")
}

// Neutralize replaces literal angle brackets inside the attribute values of
// recognized opening tags with fullwidth substitutes. Characters outside tag
// boundaries are untouched.
func Neutralize(text string) string {
	var b strings.Builder
	i := 0
	for {
		start, wire := findOpenTag(text, i)
		if start < 0 {
			b.WriteString(text[i:])
			return b.String()
		}
		nameEnd := start + len(tagPrefix) + len(wire)
		b.WriteString(text[i:nameEnd])

		j := nameEnd
		inQuote, escaped := false, false
		for j < len(text) {
			c := text[j]
			if inQuote {
				switch {
				case escaped:
					escaped = false
					b.WriteByte(c)
				case c == '\\':
					escaped = true
					b.WriteByte(c)
				case c == '"':
					inQuote = false
					b.WriteByte(c)
				case c == '<':
					b.WriteString(substLT)
				case c == '>':
					b.WriteString(substGT)
				default:
					b.WriteByte(c)
				}
				j++
				continue
			}
			b.WriteByte(c)
			j++
			if c == '"' {
				inQuote = true
			} else if c == '>' {
				break
			}
		}
		i = j
	}
}

// findOpenTag locates the next opening tag of a known kind at or after
// position from. It returns the index of '<' and the wire name, or (-1, "").
func findOpenTag(text string, from int) (int, string) {
	for {
		rel := strings.Index(text[from:], tagPrefix)
		if rel < 0 {
			return -1, ""
		}
		start := from + rel
		rest := text[start+len(tagPrefix):]
		nameLen := 0
		for nameLen < len(rest) && (rest[nameLen] == '-' || (rest[nameLen] >= 'a' && rest[nameLen] <= 'z')) {
			nameLen++
		}
		wire := rest[:nameLen]
		if _, ok := wireToKind[wire]; ok {
			// A known name followed by whitespace, '>', '/', or stream end.
			if nameLen == len(rest) || isTagNameDelim(rest[nameLen]) {
				return start, wire
			}
		}
		from = start + len(tagPrefix)
	}
}

func isTagNameDelim(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '>' || c == '/'
}

// scanOpenTag finds the end of an opening tag, tracking quoted attribute
// values so that '>' inside a value never terminates the tag. It returns the
// index just past '>' and whether the tag was self-closing, or (-1, false)
// when the opening tag is still incomplete.
func scanOpenTag(text string, from int) (int, bool) {
	inQuote, escaped := false, false
	prev := byte(0)
	for j := from; j < len(text); j++ {
		c := text[j]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			prev = c
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '>':
			return j + 1, prev == '/'
		}
		prev = c
	}
	return -1, false
}

var attrRe = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9_-]*)\s*=\s*"((?:[^"\\]|\\.)*)"`)

// parseAttrs extracts fully-received name="value" pairs from an attribute
// region, decoding escapes and neutralizing angle brackets in values.
func parseAttrs(region string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(region, -1) {
		attrs[m[1]] = unescapeAttr(m[2])
	}
	return attrs
}

func unescapeAttr(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\\' && i+1 < len(v) {
			i++
			switch v[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\':
				b.WriteByte(v[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(v[i])
			}
			continue
		}
		switch c {
		case '<':
			b.WriteString(substLT)
		case '>':
			b.WriteString(substGT)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func escapeAttr(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return r.Replace(v)
}

func applyAttrs(d *model.Directive, attrs map[string]string) {
	switch d.Kind {
	case model.KindWrite, model.KindSearchReplace:
		d.Path = attrs["path"]
		d.Description = attrs["description"]
	case model.KindDelete:
		d.Path = attrs["path"]
	case model.KindRename:
		d.From = attrs["from"]
		d.To = attrs["to"]
	case model.KindAddDependency:
		if pkgs := strings.FieldsFunc(attrs["packages"], func(r rune) bool {
			return r == ' ' || r == ',' || r == '\n' || r == '\t'
		}); len(pkgs) > 0 {
			d.Packages = pkgs
		}
	}
}

// setBody assigns the (possibly in-progress) tag body to the kind-specific
// argument. One leading and one trailing newline are tag layout, not content.
func setBody(d *model.Directive, body string) {
	body = strings.TrimPrefix(body, "\n")
	switch d.Kind {
	case model.KindWrite, model.KindChatSummary:
		if d.Complete {
			body = strings.TrimSuffix(body, "\n")
		}
		d.Content = body
	case model.KindSearchReplace:
		parseSearchReplaceBody(d, body)
	}
}

func parseSearchReplaceBody(d *model.Directive, body string) {
	rest, ok := cutAfterMarkerLine(body, SearchMarker)
	if !ok {
		return
	}
	div := indexMarkerLine(rest, DividerMarker)
	if div < 0 {
		if d.Complete {
			d.Search = strings.TrimSuffix(rest, "\n")
		} else {
			d.Search = strings.TrimSuffix(trimPartialMarkerLine(rest, DividerMarker, ReplaceMarker), "\n")
		}
		return
	}
	d.Search = strings.TrimSuffix(rest[:div], "\n")
	after, _ := cutAfterMarkerLine(rest[div:], DividerMarker)
	d.ReplaceSeen = true
	if end := indexMarkerLine(after, ReplaceMarker); end >= 0 {
		d.Replace = strings.TrimSuffix(after[:end], "\n")
	} else if d.Complete {
		d.Replace = strings.TrimSuffix(after, "\n")
	} else {
		d.Replace = strings.TrimSuffix(trimPartialMarkerLine(after, ReplaceMarker), "\n")
	}
}

// trimPartialSuffix removes a trailing proper prefix of token from s, so an
// in-flight token (closing tag, conflict marker) is withheld from exposed
// arguments until it either completes or turns out to be ordinary content.
func trimPartialSuffix(s, token string) string {
	max := len(token) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k >= 1; k-- {
		if strings.HasSuffix(s, token[:k]) {
			return s[:len(s)-k]
		}
	}
	return s
}

// trimPartialMarkerLine withholds a final line that could still grow into one
// of the given conflict markers.
func trimPartialMarkerLine(s string, markers ...string) string {
	nl := strings.LastIndexByte(s, '\n')
	last := s[nl+1:]
	if last == "" {
		return s
	}
	for _, m := range markers {
		if len(last) < len(m) && strings.HasPrefix(m, last) {
			return s[:nl+1]
		}
	}
	return s
}

// indexMarkerLine finds a conflict marker that occupies its own line.
func indexMarkerLine(s, marker string) int {
	from := 0
	for {
		rel := strings.Index(s[from:], marker)
		if rel < 0 {
			return -1
		}
		idx := from + rel
		atLineStart := idx == 0 || s[idx-1] == '\n'
		end := idx + len(marker)
		atLineEnd := end == len(s) || s[end] == '\n' || s[end] == '\r'
		if atLineStart && atLineEnd {
			return idx
		}
		from = idx + len(marker)
	}
}

// cutAfterMarkerLine returns the text after the marker's line break. When the
// marker is present but its newline has not arrived yet, it returns ("", true).
func cutAfterMarkerLine(s, marker string) (string, bool) {
	idx := indexMarkerLine(s, marker)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		return rest[nl+1:], true
	}
	return "", true
}
