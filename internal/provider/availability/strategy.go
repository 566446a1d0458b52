package availability

import (
	"regexp"
	"strings"
	"time"

	"watchbot/internal/watch"
)

var reDate = regexp.MustCompile(`20\d\d-\d\d-\d\d`)

// Strategy watches dates. A date triggers when it has at least one free place.
type Strategy struct {
	bookingURL string
}

var _ watch.Strategy = (*Strategy)(nil)

func NewStrategy(cfg Config) *Strategy {
	return &Strategy{bookingURL: cfg.withDefaults().BookingURL}
}

func (s *Strategy) Name() string { return "availability" }

func (s *Strategy) FetchKey(item string) string { return item }

func (s *Strategy) Triggered(_ string, places float64) bool { return places > 0 }

func (s *Strategy) InvalidMessage(dates []string) string {
	return "Unable to poll for date " + strings.Join(dates, ", ") + " as it's out of range"
}

func (s *Strategy) TriggeredMessage(dates []string) string {
	return "Places found for date " + strings.Join(dates, ", ") + ".\n\n" +
		"You can book them here: " + s.bookingURL + "."
}

// ParseItem takes the first YYYY-MM-DD found in args.
func (s *Strategy) ParseItem(args string) (string, error) {
	date := reDate.FindString(args)
	if date == "" {
		return "", watch.InvalidItem("Couldn't parse the date. Please enter the date in format YYYY-MM-DD")
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", watch.InvalidItem("Couldn't parse the date. " + date + " is not a calendar date")
	}
	return date, nil
}

func (s *Strategy) ExampleItem() string { return "2018-07-10" }

func (s *Strategy) StartMessage() string {
	return "Hi. I'm here to help you find free places in the hut.\n\n" + s.HelpMessage()
}

func (s *Strategy) HelpMessage() string {
	return "I can understand the following commands:\n" +
		"\t/status: List current polling processes.\n" +
		"\tpoll [date]: Init polling for a date in format YYYY-MM-DD, e.g. poll 2018-07-10.\n" +
		"\tstop [date]: Stop polling for a date in format YYYY-MM-DD, e.g. stop 2018-07-10.\n" +
		"\t/clear: Stop all polling processes."
}
