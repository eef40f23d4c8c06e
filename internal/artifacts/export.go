package artifacts

import (
	"bufio"
	"io"
	"strings"
)

// ExportSeparator delimits fields in the consolidated export.
const ExportSeparator = "|"

// ExportRow is one subject's line in the consolidated export.
type ExportRow struct {
	Subject  string
	Pipeline string
	Values   map[string]string
}

// WriteConsolidated writes the subject-oriented export: a header
// Subject|Pipeline|<gene...> followed by one row per subject. Genes missing
// from a row are written as empty fields.
func WriteConsolidated(w io.Writer, genes []string, rows []ExportRow) error {
	bw := bufio.NewWriter(w)
	header := append([]string{"Subject", "Pipeline"}, genes...)
	if _, err := bw.WriteString(strings.Join(header, ExportSeparator) + "\n"); err != nil {
		return err
	}
	fields := make([]string, len(genes)+2)
	for _, row := range rows {
		fields[0], fields[1] = row.Subject, row.Pipeline
		for i, g := range genes {
			fields[i+2] = row.Values[g]
		}
		if _, err := bw.WriteString(strings.Join(fields, ExportSeparator) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
