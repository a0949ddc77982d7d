package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zulandar/datamind/internal/dashboard"
	"github.com/zulandar/datamind/internal/models"
)

// maxPreviewRows caps how many result rows are printed.
const maxPreviewRows = 10

// printResult writes a query result sample as an aligned table.
func printResult(out io.Writer, r *models.QueryResult, total int) {
	if r == nil || len(r.Columns) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(r.Columns, "\t")))
	for i, row := range r.Rows {
		if i == maxPreviewRows {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = formatValue(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()

	shown := min(len(r.Rows), maxPreviewRows)
	if total < r.RowCount {
		total = r.RowCount
	}
	if total > shown {
		fmt.Fprintf(out, "(%d of %d rows)\n", shown, total)
	}
}

// formatValue renders one cell. JSON numbers arrive as float64; whole
// numbers print without a fraction.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// parsePosition parses "x,y,w,h".
func parsePosition(s string) (dashboard.Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return dashboard.Position{}, fmt.Errorf("position %q must be x,y,w,h", s)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return dashboard.Position{}, fmt.Errorf("position %q: %q is not a non-negative integer", s, p)
		}
		n[i] = v
	}
	if n[2] == 0 || n[3] == 0 {
		return dashboard.Position{}, fmt.Errorf("position %q: width and height must be positive", s)
	}
	return dashboard.Position{X: n[0], Y: n[1], W: n[2], H: n[3]}, nil
}

func formatPosition(p dashboard.Position) string {
	return fmt.Sprintf("%d,%d %dx%d", p.X, p.Y, p.W, p.H)
}

// formatAgo renders how long ago t was, coarsely.
func formatAgo(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// printWidget writes one widget's status and data.
func printWidget(out io.Writer, w dashboard.Widget, now time.Time) {
	refreshed := "never"
	if w.LastRefreshedAt != nil {
		refreshed = formatAgo(*w.LastRefreshedAt, now)
	}
	every := "manual"
	if d := w.RefreshInterval(); d > 0 {
		every = "every " + d.String()
	}
	fmt.Fprintf(out, "[%s] %s (%s, %s, refreshed %s)\n", w.ID, w.Title, w.WidgetType, every, refreshed)
	if w.LastError != "" {
		fmt.Fprintf(out, "  ! %s\n", w.LastError)
	}
	printResult(out, w.Result, 0)
}
