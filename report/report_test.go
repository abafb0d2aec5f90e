package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/newsletter-digest/digest"
	"github.com/dhcgn/newsletter-digest/stats"
)

func TestDigest_ContainsRows(t *testing.T) {
	var buf bytes.Buffer
	table := digest.Table{Rows: []digest.Row{
		{Subject: "S", Summary: "x\n- x"},
		{Subject: "Weekly", Summary: "point"},
	}}

	require.NoError(t, Digest(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "Subject")
	assert.Contains(t, out, "Summary")
	assert.Contains(t, out, "Weekly")
	assert.Contains(t, out, "point")
}

func TestFailed(t *testing.T) {
	var buf bytes.Buffer
	Failed(&buf, []string{"Broken issue"})
	assert.Contains(t, buf.String(), "Failed to summarize email: Broken issue")
}

func TestNewsletter(t *testing.T) {
	var buf bytes.Buffer
	Newsletter(&buf, "Dear readers")
	assert.Contains(t, buf.String(), "Newsletter")
	assert.Contains(t, buf.String(), "Dear readers")
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.csv")
	table := digest.Table{Rows: []digest.Row{{Subject: "S", Summary: "x"}}}

	require.NoError(t, WriteCSVFile(path, table))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Subject,Summary\nS,x\n", string(data))
}

func TestSummary_ShowsErrorsPerStage(t *testing.T) {
	var buf bytes.Buffer
	Summary(&buf, stats.Summary{Retrieved: 3, Errors: 2, ExtractErrors: 1, SummaryErrors: 1})
	assert.Contains(t, buf.String(), "Errors: 2 (retrieval 0, extraction 1, summarization 1)")
}
