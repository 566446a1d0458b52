package price

import (
	"net/url"
	"strconv"
	"strings"

	"watchbot/internal/watch"
)

// Strategy watches "url#threshold" items and triggers when the price is below
// the threshold.
type Strategy struct{}

var _ watch.Strategy = Strategy{}

func NewStrategy() Strategy { return Strategy{} }

func (Strategy) Name() string { return "price" }

// FetchKey strips the threshold; the product URL is what gets fetched.
func (Strategy) FetchKey(item string) string {
	u, _, _ := splitItem(item)
	return u
}

func (Strategy) Triggered(item string, price float64) bool {
	_, threshold, ok := splitItem(item)
	return ok && price < threshold
}

func (Strategy) InvalidMessage(items []string) string {
	return "Unable to fetch data for items: " + strings.Join(items, ", ")
}

func (Strategy) TriggeredMessage(items []string) string {
	return "Prices for items " + strings.Join(items, ", ") + " have dropped!"
}

// ParseItem accepts "url#threshold" or "url threshold" and returns the
// canonical "url#threshold" form.
func (Strategy) ParseItem(args string) (string, error) {
	args = strings.TrimSpace(args)
	var rawURL, rawPrice string
	if fields := strings.Fields(args); len(fields) == 2 {
		rawURL, rawPrice = fields[0], fields[1]
	} else if i := strings.LastIndex(args, "#"); i > 0 && len(fields) == 1 {
		rawURL, rawPrice = args[:i], args[i+1:]
	} else {
		return "", watch.InvalidItem("Couldn't parse the item. Please enter a product url and a price")
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", watch.InvalidItem("Couldn't parse the url. Please enter an http(s) product url")
	}
	threshold, err := ParsePrice(rawPrice)
	if err != nil || threshold <= 0 {
		return "", watch.InvalidItem("Couldn't parse the price. Please enter a positive price")
	}
	return rawURL + "#" + strconv.FormatFloat(threshold, 'f', -1, 64), nil
}

func (Strategy) ExampleItem() string { return "https://www.amazon.de/dp/B07BZTZC6R#12.50" }

func (s Strategy) StartMessage() string {
	return "Hi. I'm here to help you monitor the prices on Amazon.\n\n" + s.HelpMessage()
}

func (Strategy) HelpMessage() string {
	return "I can understand the following commands:\n" +
		"\t/status: List current polling processes.\n" +
		"\tpoll [url#price]: Notify me when the product price drops below price, e.g. poll https://www.amazon.de/dp/B07BZTZC6R#12.50.\n" +
		"\tstop [url#price]: Stop polling for an item, e.g. stop https://www.amazon.de/dp/B07BZTZC6R#12.5.\n" +
		"\t/clear: Stop all polling processes."
}

func splitItem(item string) (string, float64, bool) {
	i := strings.LastIndex(item, "#")
	if i < 0 {
		return item, 0, false
	}
	v, err := strconv.ParseFloat(item[i+1:], 64)
	if err != nil {
		return item[:i], 0, false
	}
	return item[:i], v, true
}
