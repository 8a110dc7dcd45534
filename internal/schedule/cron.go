package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"taskpulse/internal/domain"
)

// starBit marks a field written as "*" so day-of-month/day-of-week matching
// follows the cron rule: both restricted means either may match.
const starBit = 1 << 63

type bounds struct {
	name     string
	min, max uint
	names    map[string]uint
}

var (
	minuteBounds = bounds{name: "minute", min: 0, max: 59}
	hourBounds   = bounds{name: "hour", min: 0, max: 23}
	domBounds    = bounds{name: "day_of_month", min: 1, max: 31}
	monthBounds  = bounds{name: "month", min: 1, max: 12, names: map[string]uint{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dowBounds = bounds{name: "day_of_week", min: 0, max: 6, names: map[string]uint{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

// Normalize fills empty cron fields with "*".
func Normalize(f domain.CronFields) domain.CronFields {
	def := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return "*"
		}
		return s
	}
	return domain.CronFields{
		Minute:     def(f.Minute),
		Hour:       def(f.Hour),
		DayOfMonth: def(f.DayOfMonth),
		Month:      def(f.Month),
		DayOfWeek:  def(f.DayOfWeek),
	}
}

// ParseCron turns the five fields into a schedule evaluated in loc.
//
// Each field accepts "*", a literal (names for month and day-of-week),
// "*/N", "A-B", "A-B/N" and comma separated lists of those.
func ParseCron(f domain.CronFields, loc *time.Location) (*cron.SpecSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	f = Normalize(f)
	spec := &cron.SpecSchedule{Second: 1 << 0, Location: loc}
	var err error
	if spec.Minute, err = parseField(f.Minute, minuteBounds); err != nil {
		return nil, err
	}
	if spec.Hour, err = parseField(f.Hour, hourBounds); err != nil {
		return nil, err
	}
	if spec.Dom, err = parseField(f.DayOfMonth, domBounds); err != nil {
		return nil, err
	}
	if spec.Month, err = parseField(f.Month, monthBounds); err != nil {
		return nil, err
	}
	if spec.Dow, err = parseField(f.DayOfWeek, dowBounds); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseField(field string, b bounds) (uint64, error) {
	field = strings.TrimSpace(field)
	parts := strings.Split(field, ",")
	var bits uint64
	for _, part := range parts {
		v, err := parsePart(part, b)
		if err != nil {
			return 0, domain.Invalid("cron."+b.name, "%v", err)
		}
		if len(parts) > 1 {
			v &^= starBit
		}
		bits |= v
	}
	return bits, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	if part == "" {
		return 0, fmt.Errorf("empty expression")
	}
	rangeAndStep := strings.Split(part, "/")
	if len(rangeAndStep) > 2 {
		return 0, fmt.Errorf("too many slashes in %q", part)
	}

	var lo, hi uint
	var extra uint64
	switch r := rangeAndStep[0]; {
	case r == "*":
		lo, hi = b.min, b.max
		extra = starBit
	case strings.Contains(r, "-"):
		lohi := strings.Split(r, "-")
		if len(lohi) != 2 {
			return 0, fmt.Errorf("invalid range %q", r)
		}
		var err error
		if lo, err = parseValue(lohi[0], b); err != nil {
			return 0, err
		}
		if hi, err = parseValue(lohi[1], b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range start %d beyond end %d", lo, hi)
		}
	default:
		if len(rangeAndStep) == 2 {
			return 0, fmt.Errorf("step requires '*' or a range, got %q", part)
		}
		v, err := parseValue(r, b)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
	}

	step := uint(1)
	if len(rangeAndStep) == 2 {
		n, err := strconv.Atoi(rangeAndStep[1])
		if err != nil || n < 1 || uint(n) > b.max {
			return 0, fmt.Errorf("invalid step %q (1-%d)", rangeAndStep[1], b.max)
		}
		step = uint(n)
		if step > 1 {
			extra = 0
		}
	}

	var bits uint64
	for i := lo; i <= hi; i += step {
		bits |= 1 << i
	}
	return bits | extra, nil
}

func parseValue(s string, b bounds) (uint, error) {
	s = strings.TrimSpace(s)
	if b.names != nil {
		if v, ok := b.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < int(b.min) || n > int(b.max) {
		return 0, fmt.Errorf("value %d out of range %d-%d", n, b.min, b.max)
	}
	return uint(n), nil
}

// FieldsFromExpression splits a standard five-field expression.
func FieldsFromExpression(expr string) (domain.CronFields, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return domain.CronFields{}, domain.Invalid("cron", "expected 5 fields, got %d", len(parts))
	}
	return domain.CronFields{
		Minute:     parts[0],
		Hour:       parts[1],
		DayOfMonth: parts[2],
		Month:      parts[3],
		DayOfWeek:  parts[4],
	}, nil
}

// ValidateCronExpression validates a five-field cron expression
func ValidateCronExpression(expr string) error {
	f, err := FieldsFromExpression(expr)
	if err != nil {
		return err
	}
	_, err = ParseCron(f, time.UTC)
	return err
}
