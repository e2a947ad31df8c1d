package runner

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

var codePages = map[int]encoding.Encoding{
	437:   charmap.CodePage437,
	850:   charmap.CodePage850,
	852:   charmap.CodePage852,
	866:   charmap.CodePage866,
	1250:  charmap.Windows1250,
	1251:  charmap.Windows1251,
	1252:  charmap.Windows1252,
	1253:  charmap.Windows1253,
	1254:  charmap.Windows1254,
	1255:  charmap.Windows1255,
	1256:  charmap.Windows1256,
	1257:  charmap.Windows1257,
	1258:  charmap.Windows1258,
	28591: charmap.ISO8859_1,
	65001: unicode.UTF8,
}

// lookupEncoding resolves an output code page given as a number ("1252",
// "cp1252") or an IANA name ("windows-1252", "utf-8"). An empty name
// returns nil: output is taken as already decoded.
func lookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return nil, nil
	}
	if num, err := strconv.Atoi(strings.TrimPrefix(n, "cp")); err == nil {
		if e, ok := codePages[num]; ok {
			return e, nil
		}
		n = "windows-" + strconv.Itoa(num)
	}
	e, err := ianaindex.IANA.Encoding(n)
	if err != nil {
		return nil, fmt.Errorf("unknown output code page %q: %w", name, err)
	}
	if e == nil {
		return nil, fmt.Errorf("unsupported output code page %q", name)
	}
	return e, nil
}
