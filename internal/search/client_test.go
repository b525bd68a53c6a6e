package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/faults"
)

func newTestClient(endpoint string) *Client {
	return New(config.SearchConfig{
		Endpoint:      endpoint,
		APIKey:        "test-key",
		TopK:          3,
		RatePerSecond: 1000,
	})
}

func TestFetchParsesResults(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<p>Quarterly revenue grew twelve percent on strong services demand, the company said.</p>
			<nav><p>Navigation boilerplate that should be stripped from the extraction entirely.</p></nav>
		</body></html>`))
	}))
	defer page.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "AAPL stock latest news", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"webPages": map[string]any{
				"value": []map[string]string{
					{"name": "Earnings", "url": page.URL, "snippet": "snippet"},
					{"name": "Duplicate", "url": page.URL, "snippet": "dup"},
				},
			},
		})
	}))
	defer api.Close()

	bundle, err := newTestClient(api.URL).Fetch(context.Background(), "AAPL stock latest news")
	require.NoError(t, err)
	require.Len(t, bundle.Documents, 1, "duplicate URLs are dropped")
	assert.Equal(t, "Earnings", bundle.Documents[0].Title)
	assert.Contains(t, bundle.Documents[0].Text, "Quarterly revenue grew")
	assert.NotContains(t, bundle.Documents[0].Text, "Navigation boilerplate")
	assert.False(t, bundle.FetchedAt.IsZero())
}

func TestFetchClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"rate limited is transient", http.StatusTooManyRequests, false},
		{"server error is transient", http.StatusInternalServerError, false},
		{"bad request is permanent", http.StatusBadRequest, true},
		{"unauthorized is permanent", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer api.Close()

			_, err := newTestClient(api.URL).Fetch(context.Background(), "query")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, faults.IsPermanent(err))
		})
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("ü", maxExtractChars) // 2 bytes per rune

	out := truncate(s, maxExtractChars)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), maxExtractChars)

	out = truncate(s, maxExtractChars+1)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, maxExtractChars, len(out))

	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestFetchRejectsEmptyQuery(t *testing.T) {
	_, err := newTestClient("http://unused").Fetch(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))
}
