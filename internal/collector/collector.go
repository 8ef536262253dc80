// Package collector fetches raw property records from upstream sources:
// the county assessor JSON API and the listings site HTML. Collectors only
// deliver records; all extraction happens downstream in the pipeline.
package collector

import (
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/config"
)

const defaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of an upstream response we buffer. Listing
// pages and parcel payloads are far below this.
const maxBodyBytes = 4 << 20

func newHTTPClient(cfg config.CollectConfig) *http.Client {
	timeout := defaultTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "collector: read response body")
	}
	return body, nil
}
