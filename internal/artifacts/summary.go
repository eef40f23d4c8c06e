package artifacts

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultIDsPerLine is the subject id grouping used when none is configured.
const DefaultIDsPerLine = 10

// JobSummary reports what one job contributed to a run.
type JobSummary struct {
	JobID          int64
	Pipeline       string
	SubmittedBy    string
	Found          []string
	NotFound       []string
	TotalGenes     int
	ProcessedGenes int
	AvailableGenes int
}

// Summary is the human-readable report of a finalization or closure run.
type Summary struct {
	Kind              string
	RunID             string
	StudyID           int64
	StudyTitle        string
	AnnotationVersion string
	RequestedBy       string
	GeneratedAt       time.Time
	Jobs              []JobSummary
}

// WriteText renders the summary as plain text, listing subject ids
// idsPerLine to a line.
func (s Summary) WriteText(w io.Writer, idsPerLine int) error {
	if idsPerLine <= 0 {
		idsPerLine = DefaultIDsPerLine
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "TIMS %s summary\n", s.Kind)
	fmt.Fprintf(bw, "Study:              %d %s\n", s.StudyID, s.StudyTitle)
	fmt.Fprintf(bw, "Annotation version: %s\n", s.AnnotationVersion)
	fmt.Fprintf(bw, "Run:                %s\n", s.RunID)
	if s.RequestedBy != "" {
		fmt.Fprintf(bw, "Requested by:       %s\n", s.RequestedBy)
	}
	fmt.Fprintf(bw, "Generated:          %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))
	var found, notFound int
	for _, job := range s.Jobs {
		found += len(job.Found)
		notFound += len(job.NotFound)
	}
	fmt.Fprintf(bw, "Jobs: %s  Subjects stored: %s  Subjects not found: %s\n",
		humanize.Comma(int64(len(s.Jobs))), humanize.Comma(int64(found)), humanize.Comma(int64(notFound)))

	for _, job := range s.Jobs {
		fmt.Fprintf(bw, "\nJob %d (%s)", job.JobID, job.Pipeline)
		if job.SubmittedBy != "" {
			fmt.Fprintf(bw, " submitted by %s", job.SubmittedBy)
		}
		bw.WriteString("\n")
		fmt.Fprintf(bw, "  Genes: %s of %s stored, %s available in annotation %s\n",
			humanize.Comma(int64(job.ProcessedGenes)), humanize.Comma(int64(job.TotalGenes)),
			humanize.Comma(int64(job.AvailableGenes)), s.AnnotationVersion)
		writeIDs(bw, fmt.Sprintf("Subjects found (%d)", len(job.Found)), job.Found, idsPerLine)
		writeIDs(bw, fmt.Sprintf("Subjects not found (%d)", len(job.NotFound)), job.NotFound, idsPerLine)
	}
	return bw.Flush()
}

func writeIDs(bw *bufio.Writer, title string, ids []string, perLine int) {
	fmt.Fprintf(bw, "  %s:\n", title)
	if len(ids) == 0 {
		bw.WriteString("    -\n")
		return
	}
	for _, line := range GroupIDs(ids, perLine) {
		bw.WriteString("    " + line + "\n")
	}
}

// GroupIDs joins ids into lines of at most perLine entries.
func GroupIDs(ids []string, perLine int) []string {
	if perLine <= 0 {
		perLine = DefaultIDsPerLine
	}
	lines := make([]string, 0, (len(ids)+perLine-1)/perLine)
	for start := 0; start < len(ids); start += perLine {
		end := start + perLine
		if end > len(ids) {
			end = len(ids)
		}
		lines = append(lines, strings.Join(ids[start:end], ", "))
	}
	return lines
}
