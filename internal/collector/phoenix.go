package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/integrate"
	"github.com/sunbelt-data/property-cli/internal/model"
)

// listingSelectors are tried in order when slicing a search page into
// per-listing fragments. The site has shuffled its markup before.
var listingSelectors = []string{".listing-card", ".property-card", "article.listing"}

// Phoenix collects listing fragments from the MLS search site. Each fragment
// is handed to the pipeline as unstructured HTML.
type Phoenix struct {
	baseURL string
	zips    []string
	http    *http.Client
	log     *zap.Logger
}

var (
	_ integrate.Collector = (*Phoenix)(nil)
	_ integrate.Streamer  = (*Phoenix)(nil)
)

// NewPhoenix creates a listings collector from config.
func NewPhoenix(cfg config.CollectConfig) *Phoenix {
	return &Phoenix{
		baseURL: cfg.ListingBaseURL,
		zips:    cfg.TargetZips,
		http:    newHTTPClient(cfg),
		log:     zap.L().With(zap.String("component", "collector.phoenix")),
	}
}

func (p *Phoenix) SourceName() model.Source { return model.SourcePhoenixMLS }

// FetchOne retrieves a single listing page by MLS number.
func (p *Phoenix) FetchOne(ctx context.Context, identifier string) (model.RawRecord, error) {
	endpoint := fmt.Sprintf("%s/listing/%s", p.baseURL, url.PathEscape(identifier))
	doc, err := p.getDocument(ctx, endpoint)
	if err != nil {
		return model.RawRecord{}, eris.Wrapf(err, "phoenix: fetch listing %s", identifier)
	}

	fragment := documentFragment(doc)
	if strings.TrimSpace(fragment) == "" {
		return model.RawRecord{}, eris.Errorf("phoenix: listing %s has no content", identifier)
	}
	return p.record(identifier, fragment), nil
}

// FetchMany searches each zip and slices the result pages into listing
// fragments.
func (p *Phoenix) FetchMany(ctx context.Context, sel integrate.Selector) ([]model.RawRecord, error) {
	var records []model.RawRecord
	err := p.each(ctx, sel, func(r model.RawRecord) bool {
		records = append(records, r)
		return sel.Limit <= 0 || len(records) < sel.Limit
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Stream yields listing fragments lazily, one search page at a time. The
// channel closes when every zip is exhausted or the context ends.
func (p *Phoenix) Stream(ctx context.Context, sel integrate.Selector) (<-chan model.RawRecord, error) {
	out := make(chan model.RawRecord)
	go func() {
		defer close(out)
		sent := 0
		err := p.each(ctx, sel, func(r model.RawRecord) bool {
			select {
			case out <- r:
			case <-ctx.Done():
				return false
			}
			sent++
			return sel.Limit <= 0 || sent < sel.Limit
		})
		if err != nil {
			p.log.Warn("stream aborted", zap.Error(err))
		}
	}()
	return out, nil
}

// each walks the selector's zips and invokes fn per listing fragment until
// fn returns false.
func (p *Phoenix) each(ctx context.Context, sel integrate.Selector, fn func(model.RawRecord) bool) error {
	zips := sel.Zips
	if len(zips) == 0 {
		zips = p.zips
	}

	for _, zip := range zips {
		endpoint := fmt.Sprintf("%s/search?zip=%s", p.baseURL, url.QueryEscape(zip))
		doc, err := p.getDocument(ctx, endpoint)
		if err != nil {
			return eris.Wrapf(err, "phoenix: search zip %s", zip)
		}

		fragments := listingFragments(doc)
		p.log.Debug("zip searched", zap.String("zip", zip), zap.Int("listings", len(fragments)))
		for _, fragment := range fragments {
			if !fn(p.record("", fragment)) {
				return nil
			}
		}
	}
	return nil
}

func (p *Phoenix) record(identifier, fragment string) model.RawRecord {
	return model.RawRecord{
		Source:      model.SourcePhoenixMLS,
		ContentType: model.ContentHTML,
		Text:        fragment,
		Identifier:  identifier,
	}
}

func (p *Phoenix) getDocument(ctx context.Context, endpoint string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "text/html")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "request failed")
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "parse html")
	}
	return doc, nil
}

// listingFragments slices a search page into per-listing HTML chunks.
func listingFragments(doc *goquery.Document) []string {
	for _, selector := range listingSelectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		fragments := make([]string, 0, sel.Length())
		sel.Each(func(_ int, s *goquery.Selection) {
			if html, err := goquery.OuterHtml(s); err == nil {
				fragments = append(fragments, html)
			}
		})
		return fragments
	}
	return nil
}

// documentFragment returns the detail region of a single-listing page, or
// the whole body when no known container matches.
func documentFragment(doc *goquery.Document) string {
	for _, selector := range append([]string{".listing-detail", "#property-detail"}, listingSelectors...) {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if html, err := goquery.OuterHtml(sel); err == nil {
			return html
		}
	}
	if html, err := doc.Find("body").Html(); err == nil {
		return html
	}
	return ""
}
