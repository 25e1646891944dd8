package utils

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SecureFilename reduces an uploaded filename to a safe ASCII base name.
// Path separators become spaces, whitespace runs become underscores and any
// character outside [A-Za-z0-9_.-] is dropped. Leading and trailing dots and
// underscores are trimmed, so the result may be empty.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")

	b.Reset()
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}

	return strings.Trim(b.String(), "._")
}
