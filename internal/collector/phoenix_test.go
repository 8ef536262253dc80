package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/integrate"
	"github.com/sunbelt-data/property-cli/internal/model"
)

const searchPage = `<html><body>
<div class="listing-card"><h2>123 Main St, Phoenix, AZ 85031</h2><span>$425,000</span><span>MLS# 6754321</span></div>
<div class="listing-card"><h2>456 Oak Ave, Phoenix, AZ 85031</h2><span>$389,000</span><span>MLS# 6754322</span></div>
</body></html>`

const detailPage = `<html><body>
<div class="listing-detail"><h1>123 Main St, Phoenix, AZ 85031</h1><div>$425,000 · 4 bd · 3 ba · MLS# 6754321</div></div>
</body></html>`

func newPhoenixServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/listing/6754321", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(detailPage))
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("zip") == "85031" {
			_, _ = w.Write([]byte(searchPage))
			return
		}
		_, _ = w.Write([]byte(`<html><body></body></html>`))
	})
	return httptest.NewServer(mux)
}

func TestPhoenix_FetchOne(t *testing.T) {
	srv := newPhoenixServer(t)
	defer srv.Close()

	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	rec, err := col.FetchOne(context.Background(), "6754321")
	require.NoError(t, err)
	assert.Equal(t, model.SourcePhoenixMLS, rec.Source)
	assert.Equal(t, model.ContentHTML, rec.ContentType)
	assert.Contains(t, rec.Text, "123 Main St")
	assert.Contains(t, rec.Text, "MLS# 6754321")
}

func TestPhoenix_FetchOne_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body></body></html>`))
	}))
	defer srv.Close()

	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	_, err := col.FetchOne(context.Background(), "9999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}

func TestPhoenix_FetchMany_SlicesListingCards(t *testing.T) {
	srv := newPhoenixServer(t)
	defer srv.Close()

	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	records, err := col.FetchMany(context.Background(), integrate.Selector{Zips: []string{"85031"}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[0].Text, "123 Main St")
	assert.Contains(t, records[1].Text, "456 Oak Ave")
	// Fragments are individual cards, not the whole page.
	assert.NotContains(t, records[0].Text, "456 Oak Ave")
}

func TestPhoenix_FetchMany_Limit(t *testing.T) {
	srv := newPhoenixServer(t)
	defer srv.Close()

	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	records, err := col.FetchMany(context.Background(), integrate.Selector{Zips: []string{"85031"}, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPhoenix_Stream(t *testing.T) {
	srv := newPhoenixServer(t)
	defer srv.Close()

	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	ch, err := col.Stream(context.Background(), integrate.Selector{Zips: []string{"85031"}})
	require.NoError(t, err)

	var texts []string
	for rec := range ch {
		texts = append(texts, rec.Text)
	}
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "123 Main St")
}

func TestPhoenix_Stream_ContextCancelStops(t *testing.T) {
	srv := newPhoenixServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	col := NewPhoenix(config.CollectConfig{ListingBaseURL: srv.URL, TimeoutSecs: 5})
	ch, err := col.Stream(ctx, integrate.Selector{Zips: []string{"85031"}})
	require.NoError(t, err)

	<-ch
	cancel()
	for range ch { //nolint:revive
	}
}
