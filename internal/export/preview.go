package export

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// maxCellWidth caps preview cells, in runes.
const maxCellWidth = 40

// Preview prints at most maxRows rows of the report as a terminal table.
func Preview(w io.Writer, r Report, maxRows int) error {
	if r.Empty() {
		_, err := fmt.Fprintln(w, "(no data)")
		return err
	}

	rows := r.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoWrap: tw.WrapNone,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoFormat: tw.Off,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
		}),
	)

	table.Header(r.Header)

	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			cells[i][j] = truncate(fmt.Sprint(v), maxCellWidth)
		}
	}
	if err := table.Bulk(cells); err != nil {
		return fmt.Errorf("failed to build preview: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}

	if len(rows) < len(r.Rows) {
		_, err := fmt.Fprintf(w, "... %d of %d rows shown\n", len(rows), len(r.Rows))
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
