package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const tablePadding = 2

// writeTable aligns rows under headers by display width.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	for _, row := range append([][]string{headers}, rows...) {
		for idx, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[idx] {
				widths[idx] = w
			}
		}
	}

	w := bufio.NewWriter(out)
	writeRow := func(row []string) {
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			_, _ = w.WriteString(cell)
			if idx < colCount-1 {
				pad := widths[idx] - runewidth.StringWidth(cell)
				if pad < 0 {
					pad = 0
				}
				_, _ = w.WriteString(strings.Repeat(" ", pad+tablePadding))
			}
		}
		_, _ = w.WriteString("\n")
	}

	if len(headers) > 0 {
		writeRow(headers)
	}
	for _, row := range rows {
		writeRow(row)
	}
	return w.Flush()
}

// truncate shortens s to at most width display cells, on one line.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "...")
}
