package consolidate

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"tims/internal/infra/persistence/sqlstore"
	"tims/pkg/domain"
)

// GeneRows counts the gene lines of one output file.
type GeneRows struct {
	Total     int
	Processed int
}

// Skipped is the number of lines whose gene is not in the wide table.
func (g GeneRows) Skipped() int { return g.Total - g.Processed }

// GeneSet is the set of gene symbols known for one annotation version.
type GeneSet map[string]struct{}

// Has reports whether gene is in the set.
func (s GeneSet) Has(gene string) bool {
	_, ok := s[gene]
	return ok
}

// GeneSetCache keeps recently used gene sets keyed by table and annotation
// version. Each entry is stamped with the gene count read from the database,
// so registrations made by other processes invalidate it on the next Load.
type GeneSetCache struct {
	sets *lru.Cache[string, stampedGeneSet]
}

type stampedGeneSet struct {
	count int
	set   GeneSet
}

// NewGeneSetCache returns a cache holding up to size gene sets.
func NewGeneSetCache(size int) (*GeneSetCache, error) {
	if size <= 0 {
		size = 8
	}
	sets, err := lru.New[string, stampedGeneSet](size)
	if err != nil {
		return nil, err
	}
	return &GeneSetCache{sets: sets}, nil
}

// Load returns the gene set as seen by q. The cached set is reused only when
// the table still holds the same number of genes.
func (c *GeneSetCache) Load(ctx context.Context, q sqlstore.Queryer, table sqlstore.WideTable, annotVer string) (GeneSet, error) {
	key := table.Name + "/" + annotVer
	count := -1
	if c != nil {
		n, err := table.CountGenes(ctx, q, annotVer)
		if err != nil {
			return nil, err
		}
		count = n
		if entry, ok := c.sets.Get(key); ok && entry.count == count {
			return entry.set, nil
		}
	}
	genes, err := table.Genes(ctx, q, annotVer)
	if err != nil {
		return nil, err
	}
	set := make(GeneSet, len(genes))
	for _, g := range genes {
		set[g] = struct{}{}
	}
	if c != nil && len(set) == count {
		c.sets.Add(key, stampedGeneSet{count: count, set: set})
	}
	return set, nil
}

// Purge drops every cached set.
func (c *GeneSetCache) Purge() {
	if c != nil {
		c.sets.Purge()
	}
}

// GeneRowProcessor writes the value rows of an output file into the cells
// claimed by its header.
type GeneRowProcessor struct {
	Table sqlstore.WideTable
}

// Process consumes the remaining lines of rows. Blank lines are ignored. A
// line whose gene is not in genes counts toward Total only. Values beyond
// the end of a short line are skipped.
func (p GeneRowProcessor) Process(ctx context.Context, q sqlstore.Queryer, rows *bufio.Scanner, study domain.Study, genes GeneSet, line SubjectLine) (GeneRows, error) {
	var out GeneRows
	for rows.Scan() {
		text := strings.TrimRight(rows.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		out.Total++
		fields := strings.Split(text, "\t")
		gene := strings.TrimSpace(fields[0])
		if !genes.Has(gene) {
			continue
		}
		for i, idx := range line.ArrayIndex {
			col := firstSubjectColumn + i
			if idx == domain.InvalidIndex || col >= len(fields) {
				continue
			}
			if err := p.Table.PutCell(ctx, q, gene, study.AnnotationVersion, idx, fields[col]); err != nil {
				return out, err
			}
		}
		out.Processed++
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("read gene rows: %w", err)
	}
	return out, nil
}
