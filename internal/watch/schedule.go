package watch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule re-arms the poll timer every five minutes.
const DefaultSchedule = "5m"

// Schedule decides when the next tick fires. cron.Schedule satisfies it.
type Schedule interface {
	Next(now time.Time) time.Time
}

// Every is a fixed-delay schedule.
type Every time.Duration

func (e Every) Next(now time.Time) time.Time { return now.Add(time.Duration(e)) }

func (e Every) String() string { return "every " + time.Duration(e).String() }

type cronSchedule struct {
	cron.Schedule
	expr string
}

func (c cronSchedule) String() string { return "cron " + c.expr }

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a poll schedule.
//
// Supported forms:
//   - Interval duration: "5m", "1h30m"
//   - Interval HH:MM: "00:05" (5 minutes)
//   - Cron: "*/5 * * * *", "@hourly", "@every 5m"
//
// Optional prefixes: "cron:" forces cron parsing, "interval:" or "every:" forces
// interval parsing.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	sched, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use a duration like '5m', HH:MM like '00:05', or cron like '*/5 * * * *')", raw)
	}
	return sched, nil
}

// MustParseSchedule is ParseSchedule for constants.
func MustParseSchedule(raw string) Schedule {
	s, err := ParseSchedule(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron schedule required")
	}
	cs, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return cronSchedule{Schedule: cs, expr: expr}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '5m')", v)
		}
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return Every(d), nil
}
