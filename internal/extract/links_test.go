package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

const page = `<html><head><title>t</title></head><body>
<a href="/a">A</a>
<a href="b#frag">B</a>
<a href="/a">A again</a>
<a href="https://other.test/x">X</a>
<a href="mailto:me@example.com">mail</a>
<a href="javascript:void(0)">js</a>
<a href="#top">top</a>
<a href="/privacy-policy">privacy</a>
<a href="/skip" rel="nofollow">nf</a>
</body></html>`

func result(body string) crawler.FetchResult {
	return crawler.FetchResult{
		URL:         "https://example.com/dir/index.html",
		FinalURL:    "https://example.com/dir/index.html",
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Encoding:    "utf-8",
		Content:     []byte(body),
	}
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	links, err := NewHTMLLinks(Config{}).ExtractLinks(result(page))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/dir/b",
		"https://other.test/x",
		"https://example.com/privacy-policy",
	}, links)
}

func TestExtractLinksFilters(t *testing.T) {
	t.Parallel()

	links, err := NewHTMLLinks(Config{SameHostOnly: true, SkipLowValue: true, MaxLinks: 1}).ExtractLinks(result(page))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a"}, links)
}

func TestExtractLinksHonorsBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.example.com/root/"></head><body><a href="page">p</a></body></html>`
	links, err := NewHTMLLinks(Config{}).ExtractLinks(result(body))
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.example.com/root/page"}, links)
}

func TestExtractLinksSkipsNonHTML(t *testing.T) {
	t.Parallel()

	res := result(`{"a": "https://example.com"}`)
	res.ContentType = "application/json"
	links, err := NewHTMLLinks(Config{}).ExtractLinks(res)
	require.NoError(t, err)
	require.Empty(t, links)

	failed := result(page)
	failed.StatusCode = 500
	links, err = NewHTMLLinks(Config{}).ExtractLinks(failed)
	require.NoError(t, err)
	require.Empty(t, links)
}
