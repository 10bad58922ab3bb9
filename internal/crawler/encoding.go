package crawler

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultEncoding is used when neither the header nor the body declare a charset.
	DefaultEncoding = "utf-8"
	// metaSniffBytes bounds how much of the body is searched for a charset declaration.
	metaSniffBytes = 1024
)

var fetchableTypes = []string{
	"text/",
	"application/xml",
	"application/xhtml+xml",
	"application/rss+xml",
	"application/atom+xml",
	"application/json",
	"application/ld+json",
}

// IsFetchableContentType reports whether a body with this Content-Type should
// be downloaded. An absent header is fetched.
func IsFetchableContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return true
	}
	for _, prefix := range fetchableTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// ResolveEncoding picks the body encoding: the Content-Type charset parameter,
// then a charset= declaration in the first KiB of the body, then utf-8.
func ResolveEncoding(contentType string, body []byte) string {
	if enc := headerCharset(contentType); enc != "" {
		return enc
	}
	if enc := sniffCharset(body); enc != "" {
		return enc
	}
	return DefaultEncoding
}

func headerCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		return strings.ToLower(strings.TrimSpace(params["charset"]))
	}
	// Malformed headers still often carry a usable charset parameter.
	return extractCharset(strings.ToLower(contentType))
}

func sniffCharset(body []byte) string {
	if len(body) > metaSniffBytes {
		body = body[:metaSniffBytes]
	}
	head := strings.ToLower(string(bytes.ToValidUTF8(body, []byte("\uFFFD"))))
	return extractCharset(head)
}

func extractCharset(s string) string {
	idx := strings.Index(s, "charset=")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(s[idx+len("charset="):], `"' `)
	end := strings.IndexAny(rest, "\"'>;/ \t\r\n")
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// Text decodes the content using the resolved encoding. Decoding never fails:
// unknown or broken encodings fall back to utf-8 and then latin-1.
func (r FetchResult) Text() string {
	return DecodeText(r.Content, r.Encoding)
}

// DecodeText decodes body according to encoding with the utf-8 then latin-1 fallback.
func DecodeText(body []byte, encoding string) string {
	if len(body) == 0 {
		return ""
	}
	if enc, name := charset.Lookup(encoding); enc != nil && name != DefaultEncoding {
		if out, err := enc.NewDecoder().Bytes(body); err == nil {
			return string(out)
		}
	}
	if utf8.Valid(body) {
		return string(body)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "\uFFFD")
	}
	return string(out)
}
