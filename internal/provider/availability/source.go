// Package availability watches per-date place availability on a hut
// reservation site.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"watchbot/internal/provider/httpfetch"
	logx "watchbot/pkg/logx"
)

const (
	DefaultURL        = "http://refugedugouter.ffcam.fr/resapublic.html"
	DefaultBookingURL = "http://refugedugouter.ffcam.fr/resapublic.html"
)

var ErrNoAvailability = errors.New("availability data not found in page")

type Config struct {
	URL        string
	Form       map[string]string
	BookingURL string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.BookingURL == "" {
		c.BookingURL = DefaultBookingURL
	}
	return c
}

// Source posts the configured form and reads the date -> free places map
// embedded in the returned page.
type Source struct {
	cfg    Config
	client *httpfetch.Client
	log    logx.Logger
}

func NewSource(cfg Config, client *httpfetch.Client, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{cfg: cfg.withDefaults(), client: client, log: log.With(logx.String("comp", "availability"))}
}

// Fetch returns the free places for each requested date the site knows about.
// Dates outside the published range are absent.
func (s *Source) Fetch(ctx context.Context, keys []string) (map[string]float64, error) {
	form := url.Values{}
	for k, v := range s.cfg.Form {
		form.Set(k, v)
	}
	s.log.Debug("sending request", logx.String("url", s.cfg.URL))
	page, err := s.client.PostForm(ctx, s.cfg.URL, form)
	if err != nil {
		return nil, err
	}
	all, err := ParsePage(page)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

var reGlobalAvailability = regexp.MustCompile(`globalAvailability = (.*?);`)

// ParsePage extracts the globalAvailability object from page. Counts may be
// encoded as numbers or numeric strings.
func ParsePage(page []byte) (map[string]float64, error) {
	m := reGlobalAvailability.FindSubmatch(page)
	if m == nil {
		return nil, ErrNoAvailability
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m[1], &raw); err != nil {
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for date, v := range raw {
		n, err := parseCount(v)
		if err != nil {
			return nil, fmt.Errorf("decode availability for %s: %w", date, err)
		}
		out[date] = n
	}
	return out, nil
}

func parseCount(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}
