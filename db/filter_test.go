package db

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		in        string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{in: "2024", wantStart: "2024-01-01T00:00:00Z", wantEnd: "2025-01-01T00:00:00Z"},
		{in: "03/2024", wantStart: "2024-03-01T00:00:00Z", wantEnd: "2024-04-01T00:00:00Z"},
		{in: "12/2024", wantStart: "2024-12-01T00:00:00Z", wantEnd: "2025-01-01T00:00:00Z"},
		{in: "01/03/2024", wantStart: "2024-03-01T00:00:00Z", wantEnd: "2024-03-02T00:00:00Z"},
		{in: "29/02/2024", wantStart: "2024-02-29T00:00:00Z", wantEnd: "2024-03-01T00:00:00Z"},
		{in: " 3/2024 ", wantStart: "2024-03-01T00:00:00Z", wantEnd: "2024-04-01T00:00:00Z"},
		{in: "31/02/2024", wantErr: true},
		{in: "13/2024", wantErr: true},
		{in: "march", wantErr: true},
		{in: "1/2/3/4", wantErr: true},
		{in: "00/2024", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseDateRange(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFilter) {
					t.Fatalf("ParseDateRange(%q) error = %v, want ErrInvalidFilter", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDateRange(%q) unexpected error = %v", tt.in, err)
			}
			if r.Start != tt.wantStart || r.End != tt.wantEnd {
				t.Errorf("ParseDateRange(%q) = [%s, %s), want [%s, %s)", tt.in, r.Start, r.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestDateRangeMatchesStoredTimestamps(t *testing.T) {
	early := "2024-03-01T10:00:00Z"
	mid := "2024-03-15T10:00:00Z"

	month, err := ParseDateRange("03/2024")
	if err != nil {
		t.Fatal(err)
	}
	if !month.Contains(early) || !month.Contains(mid) {
		t.Errorf("month filter should match both clips")
	}

	day, err := ParseDateRange("01/03/2024")
	if err != nil {
		t.Fatal(err)
	}
	if !day.Contains(early) {
		t.Errorf("day filter should match %s", early)
	}
	if day.Contains(mid) {
		t.Errorf("day filter should not match %s", mid)
	}
}

func TestFold(t *testing.T) {
	tests := map[string]string{
		"Pokémon":       "pokemon",
		"ÉLDEN Ring":    "elden ring",
		"Çà et là":      "ca et la",
		"plain":         "plain",
		"":              "",
		"Straße Über 9": "strasse uber 9",
		"Œuvre Færøy":   "oeuvre faeroy",
		"Łódź ÞÓR":      "lodz thor",
	}
	for in, want := range tests {
		if got := Fold(in); got != want {
			t.Errorf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildRandomQuery(t *testing.T) {
	t.Run("no filters", func(t *testing.T) {
		q, args, err := buildRandomQuery(ClipFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(q, "WHERE") || len(args) != 0 {
			t.Errorf("unexpected filter in %q %v", q, args)
		}
		if !strings.HasSuffix(q, "ORDER BY random() LIMIT 1") {
			t.Errorf("query should pick one random row: %q", q)
		}
	})

	t.Run("all filters", func(t *testing.T) {
		q, args, err := buildRandomQuery(ClipFilter{Date: "03/2024", Title: "Café 100%", Game: "Pokémon"})
		if err != nil {
			t.Fatal(err)
		}
		for _, frag := range []string{"created_at >= $1 AND created_at < $2", "lower(unaccent(title)) LIKE $3", "LIKE $4"} {
			if !strings.Contains(q, frag) {
				t.Errorf("query %q missing %q", q, frag)
			}
		}
		want := []any{"2024-03-01T00:00:00Z", "2024-04-01T00:00:00Z", `%cafe 100\%%`, "%pokemon%"}
		if len(args) != len(want) {
			t.Fatalf("args = %v, want %v", args, want)
		}
		for i := range want {
			if args[i] != want[i] {
				t.Errorf("args[%d] = %v, want %v", i, args[i], want[i])
			}
		}
	})

	t.Run("blank game is no filter", func(t *testing.T) {
		q, args, err := buildRandomQuery(ClipFilter{Game: "   "})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(q, "WHERE") || len(args) != 0 {
			t.Errorf("blank game should not filter: %q %v", q, args)
		}
	})

	t.Run("invalid date", func(t *testing.T) {
		if _, _, err := buildRandomQuery(ClipFilter{Date: "soon"}); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("error = %v, want ErrInvalidFilter", err)
		}
	})
}
