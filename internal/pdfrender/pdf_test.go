package pdfrender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesPDF(t *testing.T) {
	out, err := Render(Input{
		Title:    "AAPL Weekly Outlook",
		Subjects: []string{"AAPL", "MSFT"},
		Markdown: "# Summary\n\nShares rose on **strong** earnings.\n\n## Risks\n- Supply constraints\n- `FX` headwinds\n",
		Citations: []Citation{
			{Title: "Earnings call transcript", URL: "https://example.com/call"},
			{URL: "https://example.com/news"},
		},
		GeneratedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "%PDF", string(out[:4]))
}

func TestRenderRejectsEmptyBody(t *testing.T) {
	_, err := Render(Input{Title: "Empty", Markdown: "   \n"})
	require.Error(t, err)
}

func TestStripInline(t *testing.T) {
	assert.Equal(t, "strong and code", stripInline("**strong** and `code`"))
}
