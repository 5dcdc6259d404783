package protocol

import (
	"regexp"
	"strings"
)

// attrPattern matches key="value" pairs inside a tag's opening text, e.g.
// `type="tool" mode="async" id="a"`.
var attrPattern = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)

// parseTag splits the text between "<" and ">" into a tag name, its
// attributes, and whether it is a closing tag ("</name>").
func parseTag(raw string) (name string, attrs map[string]string, closing bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/") {
		return strings.TrimSpace(raw[1:]), nil, true
	}
	i := strings.IndexAny(raw, " \t\r\n")
	if i == -1 {
		return raw, nil, false
	}
	return raw[:i], parseAttrs(raw[i+1:]), false
}

func parseAttrs(s string) map[string]string {
	matches := attrPattern.FindAllStringSubmatch(s, -1)
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[m[1]] = m[2]
	}
	return out
}
