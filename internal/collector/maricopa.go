package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/integrate"
	"github.com/sunbelt-data/property-cli/internal/model"
)

// Maricopa fetches parcels from the county assessor API. Single parcels are
// addressed by APN; batch fetches search by zip code.
type Maricopa struct {
	baseURL string
	zips    []string
	http    *http.Client
	log     *zap.Logger
}

var _ integrate.Collector = (*Maricopa)(nil)

// NewMaricopa creates a county assessor collector from config.
func NewMaricopa(cfg config.CollectConfig) *Maricopa {
	return &Maricopa{
		baseURL: cfg.CountyBaseURL,
		zips:    cfg.TargetZips,
		http:    newHTTPClient(cfg),
		log:     zap.L().With(zap.String("component", "collector.maricopa")),
	}
}

func (m *Maricopa) SourceName() model.Source { return model.SourceMaricopaCounty }

// FetchOne retrieves a single parcel by assessor parcel number.
func (m *Maricopa) FetchOne(ctx context.Context, identifier string) (model.RawRecord, error) {
	endpoint := fmt.Sprintf("%s/parcel/%s", m.baseURL, url.PathEscape(identifier))
	fields, err := m.getJSON(ctx, endpoint)
	if err != nil {
		return model.RawRecord{}, eris.Wrapf(err, "maricopa: fetch parcel %s", identifier)
	}
	return m.record(identifier, fields), nil
}

// FetchMany searches the selector's zips (or the configured targets when
// none are given) and returns one record per parcel in the results.
func (m *Maricopa) FetchMany(ctx context.Context, sel integrate.Selector) ([]model.RawRecord, error) {
	zips := sel.Zips
	if len(zips) == 0 {
		zips = m.zips
	}

	var records []model.RawRecord
	for _, zip := range zips {
		endpoint := fmt.Sprintf("%s/search/property/?q=%s", m.baseURL, url.QueryEscape(zip))
		page, err := m.getJSON(ctx, endpoint)
		if err != nil {
			return nil, eris.Wrapf(err, "maricopa: search zip %s", zip)
		}

		results, _ := page["results"].([]any)
		m.log.Debug("zip searched", zap.String("zip", zip), zap.Int("results", len(results)))
		for _, entry := range results {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			apn, _ := fields["apn"].(string)
			records = append(records, m.record(apn, fields))
			if sel.Limit > 0 && len(records) >= sel.Limit {
				return records, nil
			}
		}
	}
	return records, nil
}

func (m *Maricopa) record(identifier string, fields map[string]any) model.RawRecord {
	return model.RawRecord{
		Source:      model.SourceMaricopaCounty,
		ContentType: model.ContentJSON,
		Fields:      fields,
		Identifier:  identifier,
	}
}

func (m *Maricopa) getJSON(ctx context.Context, endpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
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

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return fields, nil
}
