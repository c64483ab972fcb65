// Package cronhash resolves the H placeholder in user cron expressions into
// deterministic per-job values, spreading periodic load across each field's
// range, and computes next firing times.
package cronhash

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrMalformedCron = errors.New("cronhash: expression must have exactly 5 fields")
	ErrInvalidRange  = errors.New("cronhash: explicit range outside the field's valid range")
)

type fieldRange struct {
	lo, hi int
}

// Field ranges for minute, hour, day-of-month, month, day-of-week. The
// day-of-month ceiling is 28 so hashed schedules fire in every month.
var fieldRanges = [5]fieldRange{
	{0, 59},
	{0, 23},
	{1, 28},
	{1, 12},
	{0, 6},
}

var explicitRange = regexp.MustCompile(`^H\((\d+)-(\d+)\)$`)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// hashValue is a stable string hash; FNV-1a keeps the result identical
// across processes and restarts.
func hashValue(jobID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return h.Sum32()
}

// Transform replaces every H placeholder with a value derived from jobID.
// Supported forms per field: H, H/step, H(lo-hi), H(lo-hi)/step.
func Transform(expr, jobID string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", fmt.Errorf("%w: %q", ErrMalformedCron, expr)
	}

	out := make([]string, 5)
	for i, field := range fields {
		resolved, err := transformField(field, i, jobID)
		if err != nil {
			return "", err
		}
		out[i] = resolved
	}
	return strings.Join(out, " "), nil
}

func transformField(field string, pos int, jobID string) (string, error) {
	base := field
	step := ""
	if idx := strings.Index(field, "/"); idx >= 0 {
		base = field[:idx]
		step = field[idx+1:]
	}

	if !strings.Contains(base, "H") {
		return field, nil
	}

	bounds := fieldRanges[pos]
	lo, hi := bounds.lo, bounds.hi
	if base != "H" {
		m := explicitRange.FindStringSubmatch(base)
		if m == nil {
			return "", fmt.Errorf("%w: %q", ErrMalformedCron, field)
		}
		var err error
		lo, err = strconv.Atoi(m[1])
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrMalformedCron, field)
		}
		hi, err = strconv.Atoi(m[2])
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrMalformedCron, field)
		}
		if lo > hi || lo < bounds.lo || hi > bounds.hi {
			return "", fmt.Errorf("%w: %q not within %d-%d", ErrInvalidRange, field, bounds.lo, bounds.hi)
		}
	}

	value := int(hashValue(jobID))%(hi-lo+1) + lo
	resolved := strconv.Itoa(value)
	if step != "" {
		resolved = resolved + "/" + step
	}
	return resolved, nil
}

// Next returns the earliest UTC instant strictly after from at which the
// transformed expression fires.
func Next(expr, jobID string, from time.Time) (time.Time, error) {
	transformed, err := Transform(expr, jobID)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(transformed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedCron, err)
	}
	return sched.Next(from.UTC()), nil
}
