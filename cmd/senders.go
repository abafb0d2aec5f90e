package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-digest/extract"
	"github.com/dhcgn/newsletter-digest/filter"
	"github.com/dhcgn/newsletter-digest/mbox"
	"github.com/dhcgn/newsletter-digest/model"
	"github.com/dhcgn/newsletter-digest/stats"
)

var trackedHeaders = []string{"From", "Subject"}

type sendersOptions struct {
	reportDir string
	topN      int
	filter    filter.Options
}

// NewSendersCommand lists the most frequent senders and subjects of an mbox
// archive, which helps picking --sender values.
func NewSendersCommand() *cobra.Command {
	opts := &sendersOptions{}
	cmd := &cobra.Command{
		Use:   "senders [mbox file]",
		Short: "Show the most frequent senders and subjects in an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenders(cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", "", "Output directory for CSV reports (none when empty)")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display")
	cmd.Flags().StringArrayVar(&opts.filter.IncludeSubject, "include-subject", nil, "Regex allow-list applied to subjects (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.filter.IncludeBody, "include-body", nil, "Regex allow-list applied to bodies (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.filter.ExcludeSubject, "exclude-subject", nil, "Regex block-list applied to subjects (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&opts.filter.ExcludeBody, "exclude-body", nil, "Regex block-list applied to bodies (mutually exclusive with include flags)")
	return cmd
}

func runSenders(w io.Writer, path string, opts *sendersOptions) error {
	f, err := filter.New(opts.filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	counter, matched, skipped, err := countSenders(path, f)
	if err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}

	fmt.Fprintf(w, "Analyzed %d messages (skipped %d by filters)\n\n", matched, skipped)
	for _, header := range trackedHeaders {
		fmt.Fprintf(w, "Top %d %s:\n", opts.topN, header)
		stats.PrettyPrintTop(w, counter[header], opts.topN)
		fmt.Fprintln(w)
	}

	if opts.reportDir == "" {
		return nil
	}
	if err := saveCSVReports(counter, opts.reportDir, 1000); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}
	fmt.Fprintf(w, "Reports saved to directory: %s\n", opts.reportDir)
	return nil
}

func countSenders(path string, f *filter.Filter) (map[string]map[string]int, int, int, error) {
	counter := make(map[string]map[string]int)
	for _, h := range trackedHeaders {
		counter[h] = make(map[string]int)
	}

	matched, skipped := 0, 0
	err := mbox.Read(path, func(m *mbox.MboxMessage) error {
		if f.Active() {
			parsed, err := extract.Parse(model.RawMessage{Raw: m.Raw})
			if err != nil || !f.Allows(parsed) {
				skipped++
				return nil
			}
		}
		matched++

		if addrs, err := m.Header.AddressList("From"); err == nil && len(addrs) > 0 {
			counter["From"][strings.ToLower(addrs[0].Address)]++
		} else if from := m.Header.Get("From"); from != "" {
			counter["From"][from]++
		}
		if subject, err := m.Header.Subject(); err == nil && subject != "" {
			counter["Subject"][subject]++
		}
		return nil
	})
	return counter, matched, skipped, err
}

func saveCSVReports(counter map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range trackedHeaders {
		filename := fmt.Sprintf("report_%s.csv", strings.ToLower(header))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counter[header] {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Value != pairs[j].Value {
				return pairs[i].Value > pairs[j].Value
			}
			return pairs[i].Key < pairs[j].Key
		})

		for i := 0; i < limit && i < len(pairs); i++ {
			if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()
		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}
