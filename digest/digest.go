// Package digest accumulates per-message summaries into an ordered table.
package digest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Row is one summarized message.
type Row struct {
	Subject string
	Summary string
}

// Table is the ordered result of a run.
type Table struct {
	Rows []Row
}

func (t Table) Len() int {
	return len(t.Rows)
}

// Text renders the table row by row. The output only depends on the rows and
// is what the newsletter prompt embeds.
func (t Table) Text() string {
	var sb strings.Builder
	for i, row := range t.Rows {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Subject: %s\n", row.Subject)
		fmt.Fprintf(&sb, "Summary: %s\n", row.Summary)
	}
	return sb.String()
}

// WriteCSV writes a Subject,Summary header followed by one record per row.
func (t Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"Subject", "Summary"}); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := writer.Write([]string{row.Subject, row.Summary}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Builder appends rows in arrival order. It performs no deduplication.
type Builder struct {
	rows []Row
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Append(subject, summary string) {
	b.rows = append(b.rows, Row{Subject: subject, Summary: summary})
}

// Table returns a snapshot of the rows appended so far.
func (b *Builder) Table() Table {
	rows := make([]Row, len(b.rows))
	copy(rows, b.rows)
	return Table{Rows: rows}
}

func (b *Builder) Len() int {
	return len(b.rows)
}
