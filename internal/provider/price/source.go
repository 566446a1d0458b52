// Package price watches product pages for prices dropping below a threshold.
package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"watchbot/internal/provider/httpfetch"
	logx "watchbot/pkg/logx"
)

type Config struct {
	Selectors []string
}

// Source fetches every product URL and reads its price.
type Source struct {
	selectors []string
	client    *httpfetch.Client
	log       logx.Logger
}

func NewSource(cfg Config, client *httpfetch.Client, log logx.Logger) *Source {
	sel := cfg.Selectors
	if len(sel) == 0 {
		sel = DefaultSelectors
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{selectors: sel, client: client, log: log.With(logx.String("comp", "price"))}
}

// Fetch returns the price of each URL in keys. A page that loads without a
// price, or that is gone (404/410), is absent from the result. Any other
// failure fails the whole call so no item is judged on a partial fetch.
func (s *Source) Fetch(ctx context.Context, keys []string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var errs []error
	for _, r := range s.client.GetAll(ctx, keys) {
		if r.Err != nil {
			if pageGone(r.Err) {
				s.log.Debug("product page gone", logx.String("url", r.URL), logx.Err(r.Err))
				continue
			}
			errs = append(errs, r.Err)
			continue
		}
		v, err := ParsePage(r.Body, s.selectors)
		if err != nil {
			s.log.Debug("no price parsed", logx.String("url", r.URL), logx.Err(err))
			continue
		}
		out[r.URL] = v
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%d of %d product pages failed: %w", len(errs), len(keys), errors.Join(errs...))
	}
	return out, nil
}

func pageGone(err error) bool {
	var se *httpfetch.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusNotFound || se.Code == http.StatusGone
}
