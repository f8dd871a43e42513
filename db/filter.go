package db

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the UTC format shared by every stored created_at value.
// Range bounds use the same layout so plain text comparison orders correctly.
const TimestampLayout = "2006-01-02T15:04:05Z"

// ErrInvalidFilter is returned for a filter value that cannot be interpreted.
var ErrInvalidFilter = errors.New("invalid filter")

// ClipFilter narrows QueryRandom. Empty fields do not filter.
//
// Date accepts YYYY, MM/YYYY or DD/MM/YYYY. Title and Game match substrings
// ignoring case and accents.
type ClipFilter struct {
	Date  string
	Title string
	Game  string
}

// DateRange is a half-open [Start, End) interval of created_at values.
type DateRange struct {
	Start string
	End   string
}

// ParseDateRange turns a YYYY, MM/YYYY or DD/MM/YYYY string into a UTC range.
func ParseDateRange(s string) (DateRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return DateRange{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, s)
		}
		nums[i] = n
	}

	var start, end time.Time
	switch len(nums) {
	case 1:
		start = time.Date(nums[0], time.January, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	case 2:
		if nums[0] > 12 {
			return DateRange{}, fmt.Errorf("%w: month in %q", ErrInvalidFilter, s)
		}
		start = time.Date(nums[1], time.Month(nums[0]), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case 3:
		start = time.Date(nums[2], time.Month(nums[1]), nums[0], 0, 0, 0, 0, time.UTC)
		// time.Date normalizes 31/02 into March; reject instead of guessing.
		if start.Day() != nums[0] || int(start.Month()) != nums[1] {
			return DateRange{}, fmt.Errorf("%w: day in %q", ErrInvalidFilter, s)
		}
		end = start.AddDate(0, 0, 1)
	default:
		return DateRange{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, s)
	}
	if start.Year() > 9999 {
		return DateRange{}, fmt.Errorf("%w: year in %q", ErrInvalidFilter, s)
	}
	return DateRange{Start: start.Format(TimestampLayout), End: end.Format(TimestampLayout)}, nil
}

// Contains reports whether a created_at value falls inside the range.
func (r DateRange) Contains(createdAt string) bool {
	return createdAt >= r.Start && createdAt < r.End
}

// ligatures lists letters unaccent rewrites that carry no combining mark.
var ligatures = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ð", "d", "Ð", "D",
	"đ", "d", "Đ", "D",
	"þ", "th", "Þ", "TH",
	"ł", "l", "Ł", "L",
)

// Fold lowercases s and strips accents, matching lower(unaccent(col)) in SQL.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, ligatures.Replace(s))
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(Fold(s)) + "%"
}

// buildRandomQuery compiles f into a single-row random selection.
func buildRandomQuery(f ClipFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if strings.TrimSpace(f.Date) != "" {
		r, err := ParseDateRange(f.Date)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "created_at >= "+arg(r.Start)+" AND created_at < "+arg(r.End))
	}
	if t := strings.TrimSpace(f.Title); t != "" {
		where = append(where, "lower(unaccent(title)) LIKE "+arg(containsPattern(t)))
	}
	if g := strings.TrimSpace(f.Game); g != "" {
		where = append(where, "lower(unaccent(COALESCE(game_name, ''))) LIKE "+arg(containsPattern(g)))
	}

	q := "SELECT " + clipColumns + " FROM clips"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY random() LIMIT 1"
	return q, args, nil
}
