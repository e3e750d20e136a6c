package scrape

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head><title>Acme</title><style>body{color:red}</style></head>
<body>
  <header>Site header</header>
  <nav><a href="/">Home</a></nav>
  <main>
    <h1>About   Acme</h1>
    <p>Acme builds
       rockets.</p>
    <span class="sr-only">skip to content</span>
    <div hidden>secret</div>
  </main>
  <script>var tracking = true;</script>
  <footer>Copyright</footer>
</body></html>`

func TestExtractSelectorStripsChrome(t *testing.T) {
	t.Parallel()

	text, err := NewExtractor(ModeSelector, 0).Extract([]byte(samplePage), "https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, "About Acme Acme builds rockets.", text)
}

func TestExtractTruncatesByCharacter(t *testing.T) {
	t.Parallel()

	body := "<html><body><p>" + strings.Repeat("é", 50) + "</p></body></html>"
	text, err := NewExtractor(ModeSelector, 10).Extract([]byte(body), "https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", 10), text)
}

func TestExtractEmptyDocument(t *testing.T) {
	t.Parallel()

	text, err := NewExtractor(ModeSelector, 0).Extract([]byte("<html><body><script>x()</script></body></html>"), "")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestExtractReadabilityFallsBack(t *testing.T) {
	t.Parallel()

	text, err := NewExtractor(ModeReadability, 0).Extract([]byte("<html><body><p>short</p></body></html>"), "::bad url")
	require.NoError(t, err)
	require.Equal(t, "short", text)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeSelector, m)
	m, err = ParseMode("Readability")
	require.NoError(t, err)
	require.Equal(t, ModeReadability, m)
	_, err = ParseMode("llm")
	require.Error(t, err)
}

func TestExtractReadabilityKeepsArticle(t *testing.T) {
	t.Parallel()

	para := "<p>Acme builds reusable rockets for small payloads, and every launch " +
		"is planned months ahead with customers who need reliable access to orbit.</p>"
	page := "<html><head><title>Acme Rockets</title></head><body>" +
		"<nav><a href=\"/\">Home</a></nav><article><h1>Acme Rockets</h1>" +
		strings.Repeat(para, 6) +
		"</article><script>var tracking = true;</script></body></html>"

	text, err := NewExtractor(ModeReadability, 0).Extract([]byte(page), "https://acme.test/about")
	require.NoError(t, err)
	require.Contains(t, text, "Acme builds reusable rockets for small payloads")
	require.NotContains(t, text, "tracking")
}
