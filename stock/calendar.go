package stock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// FINANCIAL YEAR - Fiscal bucket label
// =============================================================================

// FinancialYear is identified by the calendar year it starts in.
// It renders as "2024-2025".
type FinancialYear struct {
	StartYear int
}

func (fy FinancialYear) String() string {
	if fy.StartYear == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", fy.StartYear, fy.StartYear+1)
}

func (fy FinancialYear) Next() FinancialYear     { return FinancialYear{StartYear: fy.StartYear + 1} }
func (fy FinancialYear) Previous() FinancialYear { return FinancialYear{StartYear: fy.StartYear - 1} }

// ParseFinancialYear accepts "2024-2025" and the short form "2024-25".
func ParseFinancialYear(s string) (FinancialYear, error) {
	bad := &ValidationError{Field: "financial_year", Reason: fmt.Sprintf("expected YYYY-YYYY, got %q", s)}
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 || len(parts[0]) != 4 {
		return FinancialYear{}, bad
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return FinancialYear{}, bad
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return FinancialYear{}, bad
	}
	switch len(parts[1]) {
	case 4:
	case 2:
		end += start / 100 * 100
		if end < start {
			end += 100
		}
	default:
		return FinancialYear{}, bad
	}
	if end != start+1 {
		return FinancialYear{}, bad
	}
	return FinancialYear{StartYear: start}, nil
}

// =============================================================================
// PERIOD - Half-open time window [Start, End)
// =============================================================================

type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) Valid() bool { return p.Start.Before(p.End) }

func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// CALENDAR - Fiscal calendar rule
// =============================================================================

// Calendar maps timestamps to financial years and back. Deployments with a
// different fiscal rule supply their own implementation.
type Calendar interface {
	YearOf(t time.Time) FinancialYear
	Period(fy FinancialYear) Period
	Location() *time.Location
}

// FiscalCalendar starts every financial year on the first day of StartMonth
// at midnight in Location.
type FiscalCalendar struct {
	StartMonth time.Month
	Loc        *time.Location
}

// DefaultCalendar is the April 1 – March 31 fiscal year in UTC.
func DefaultCalendar() FiscalCalendar {
	return FiscalCalendar{StartMonth: time.April, Loc: time.UTC}
}

func (c FiscalCalendar) Location() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

func (c FiscalCalendar) startMonth() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.April
	}
	return c.StartMonth
}

func (c FiscalCalendar) YearOf(t time.Time) FinancialYear {
	local := t.In(c.Location())
	year := local.Year()
	// Before the fiscal start month we are still in the previous year
	if local.Month() < c.startMonth() {
		year--
	}
	return FinancialYear{StartYear: year}
}

func (c FiscalCalendar) Period(fy FinancialYear) Period {
	start := time.Date(fy.StartYear, c.startMonth(), 1, 0, 0, 0, 0, c.Location())
	return Period{Start: start, End: start.AddDate(1, 0, 0)}
}

// =============================================================================
// WINDOW - Financial year or inclusive date range
// =============================================================================

// Window selects the transactions a summary or ledger query covers. Exactly
// one of Year or (From, To) is set; From and To are inclusive calendar dates.
type Window struct {
	Year *FinancialYear
	From time.Time
	To   time.Time
}

func YearWindow(fy FinancialYear) Window { return Window{Year: &fy} }

func RangeWindow(from, to time.Time) Window { return Window{From: from, To: to} }

func (w Window) IsZero() bool { return w.Year == nil && w.From.IsZero() && w.To.IsZero() }

// Period resolves the window against a calendar. Date ranges cover whole days
// in the calendar's location.
func (w Window) Period(cal Calendar) (Period, error) {
	if w.Year != nil {
		return cal.Period(*w.Year), nil
	}
	if w.From.IsZero() || w.To.IsZero() {
		return Period{}, &ValidationError{Field: "window", Reason: "financial year or both from and to are required"}
	}
	loc := cal.Location()
	from := time.Date(w.From.Year(), w.From.Month(), w.From.Day(), 0, 0, 0, 0, loc)
	to := time.Date(w.To.Year(), w.To.Month(), w.To.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	p := Period{Start: from, End: to}
	if !p.Valid() {
		return Period{}, &ValidationError{Field: "window", Reason: "to is before from"}
	}
	return p, nil
}

func (w Window) String() string {
	if w.Year != nil {
		return "FY " + w.Year.String()
	}
	return w.From.Format("2006-01-02") + ".." + w.To.Format("2006-01-02")
}
