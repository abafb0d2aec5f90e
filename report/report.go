// Package report renders run results on the terminal.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"

	"github.com/dhcgn/newsletter-digest/digest"
	"github.com/dhcgn/newsletter-digest/stats"
)

// NoMessages is printed when retrieval produced nothing.
const NoMessages = "No emails found from the specified senders."

// Digest writes the table with a Subject and Summary column.
func Digest(w io.Writer, table digest.Table) error {
	data := pterm.TableData{{"Subject", "Summary"}}
	for _, row := range table.Rows {
		data = append(data, []string{row.Subject, row.Summary})
	}
	out, err := pterm.DefaultTable.
		WithHasHeader().
		WithRowSeparator("-").
		WithHeaderRowSeparator("-").
		WithData(data).
		Srender()
	if err != nil {
		return fmt.Errorf("render digest: %w", err)
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// Failed lists the subjects that could not be summarized.
func Failed(w io.Writer, subjects []string) {
	printer := pterm.Warning.WithWriter(w)
	for _, subject := range subjects {
		printer.Printf("Failed to summarize email: %s\n", subject)
	}
}

// Newsletter writes the composed newsletter under its own section header.
func Newsletter(w io.Writer, text string) {
	pterm.DefaultSection.WithWriter(w).Println("Newsletter")
	fmt.Fprintln(w, text)
}

// Summary prints the run counters.
func Summary(w io.Writer, s stats.Summary) {
	pterm.DefaultSection.WithWriter(w).Println("Summary Statistics")
	info := pterm.Info.WithWriter(w)
	info.Printf("Retrieved: %d\n", s.Retrieved)
	info.Printf("Filtered: %d\n", s.Filtered)
	info.Printf("Summarized: %d\n", s.Summarized)
	info.Printf("Digest rows: %d\n", s.Appended)
	info.Printf("Errors: %d (retrieval %d, extraction %d, summarization %d)\n", s.Errors, s.RetrievalErrors, s.ExtractErrors, s.SummaryErrors)
	if s.LastError != nil {
		pterm.Error.WithWriter(w).Printf("Last error: %v\n", s.LastError)
	}
}

// WriteCSVFile exports the digest to path.
func WriteCSVFile(path string, table digest.Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := table.WriteCSV(file); err != nil {
		file.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	return file.Close()
}
