package hotkey

import (
	"bytes"
	"strings"
)

// disableKeys returns content with every key of section removed and
// re-declared with an empty value directly below the section header. The
// section is appended when missing. Matching is case-insensitive and the
// newline style of content is kept (CRLF for empty content).
func disableKeys(content []byte, section string, keys []string) []byte {
	nl := "\n"
	if len(content) == 0 || bytes.Contains(content, []byte("\r\n")) {
		nl = "\r\n"
	}
	text := string(content)
	var lines []string
	if text != "" {
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}
	empty := make([]string, 0, len(keys))
	for _, k := range keys {
		empty = append(empty, k+"=")
	}

	out := make([]string, 0, len(lines)+len(keys)+2)
	inSection, found := false, false
	for _, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")
		if name, ok := sectionName(line); ok {
			inSection = strings.EqualFold(name, section)
			out = append(out, line)
			if inSection && !found {
				found = true
				out = append(out, empty...)
			}
			continue
		}
		if inSection && isKeyLine(line, keys) {
			continue
		}
		out = append(out, line)
	}
	if !found {
		out = append(out, "["+section+"]")
		out = append(out, empty...)
	}
	return []byte(strings.Join(out, nl) + nl)
}

func sectionName(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if len(t) < 2 || t[0] != '[' || t[len(t)-1] != ']' {
		return "", false
	}
	return strings.TrimSpace(t[1 : len(t)-1]), true
}

func isKeyLine(line string, keys []string) bool {
	t := strings.TrimSpace(line)
	if t == "" || t[0] == ';' || t[0] == '#' {
		return false
	}
	k, _, ok := strings.Cut(t, "=")
	if !ok {
		return false
	}
	k = strings.TrimSpace(k)
	for _, want := range keys {
		if strings.EqualFold(k, want) {
			return true
		}
	}
	return false
}
