package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"header charset", "text/html; charset=ISO-8859-1", "<html></html>", "iso-8859-1"},
		{"quoted header charset", `text/html; charset="Windows-1252"`, "", "windows-1252"},
		{"header wins over meta", "text/html; charset=utf-8", `<meta charset="shift_jis">`, "utf-8"},
		{"meta charset", "text/html", `<html><head><meta charset="Shift_JIS"></head>`, "shift_jis"},
		{"http-equiv meta", "text/html", `<meta http-equiv="Content-Type" content="text/html; charset=euc-jp">`, "euc-jp"},
		{"meta beyond first KiB ignored", "text/html", strings.Repeat(" ", 1100) + `<meta charset="koi8-r">`, "utf-8"},
		{"absent everywhere", "", "<html></html>", "utf-8"},
		{"malformed header", "text/html;; charset=latin1", "", "latin1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ResolveEncoding(tc.contentType, []byte(tc.body)))
		})
	}
}

func TestIsFetchableContentType(t *testing.T) {
	t.Parallel()

	for _, ct := range []string{"", "text/html", "TEXT/HTML; charset=utf-8", "text/csv", "application/json",
		"application/ld+json", "application/rss+xml", "application/atom+xml", "application/xhtml+xml", "application/xml"} {
		require.True(t, IsFetchableContentType(ct), ct)
	}
	for _, ct := range []string{"image/png", "application/pdf", "application/octet-stream", "video/mp4"} {
		require.False(t, IsFetchableContentType(ct), ct)
	}
}

func TestDecodeTextFallbacks(t *testing.T) {
	t.Parallel()

	latin1 := []byte{'c', 'a', 'f', 0xe9}
	require.Equal(t, "café", DecodeText(latin1, "iso-8859-1"))
	require.Equal(t, "café", DecodeText(latin1, "utf-8"), "invalid utf-8 falls back to latin-1")
	require.Equal(t, "café", DecodeText([]byte("café"), "no-such-charset"))
	require.Equal(t, "", DecodeText(nil, "utf-8"))

	res := FetchResult{Content: []byte("hello"), Encoding: "utf-8"}
	require.Equal(t, "hello", res.Text())
}
