package price

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultSelectors locate the buy-box price on a product page.
var DefaultSelectors = []string{"#buybox .offer-price", "#buybox #price_inside_buybox"}

var ErrNoPrice = errors.New("no price on page")

// ParsePage returns the first price found by selectors, tried in order.
func ParsePage(page []byte, selectors []string) (float64, error) {
	root, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		v, err := ParsePrice(text)
		if err != nil {
			return 0, err
		}
		return v, nil
	}
	return 0, ErrNoPrice
}

// ParsePrice reads a European formatted amount such as "EUR 1.234,50" or
// "12,50 €". A lone '.' with no ',' is taken as the decimal separator.
func ParsePrice(text string) (float64, error) {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsDigit(r) || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if num == "" {
		return 0, fmt.Errorf("no amount in %q", text)
	}
	if strings.Contains(num, ",") {
		num = strings.ReplaceAll(num, ".", "")
		num = strings.Replace(num, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", text)
	}
	return v, nil
}
