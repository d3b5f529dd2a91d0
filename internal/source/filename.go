package source

import (
	"net/url"
	"path"
	"regexp"
	"unicode/utf8"
)

// dispositionRe matches the filename parameter of a Content-Disposition
// header the way the legacy clients of this wire format do. RFC 5987
// parsing would change observable filenames, so the historical pattern is
// kept verbatim (minus the trailing quote backreference, which can never
// consume anything because the name class excludes quotes).
var dispositionRe = regexp.MustCompile(`(?i)filename\*?=(?:UTF-8|ISO-8859-2)?(['"])?([^'";` + "\n" + `]+)`)

// FileNameFromDisposition extracts the filename parameter from a
// Content-Disposition header value, or "" when absent.
func FileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	m := dispositionRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return decodeLegacyLatin1(m[2])
}

// FileNameFromURL falls back to the basename of the download URL path.
func FileNameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// decodeLegacyLatin1 reinterprets Latin-1 code units as UTF-8 bytes, the
// decodeURIComponent(escape(x)) trick: it repairs names that were decoded
// as Latin-1 somewhere upstream while actually carrying UTF-8 bytes. When
// the reinterpretation is impossible or yields invalid UTF-8 the input is
// returned unchanged.
func decodeLegacyLatin1(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return s
		}
		b = append(b, byte(r))
	}
	if !utf8.Valid(b) {
		return s
	}
	return string(b)
}
