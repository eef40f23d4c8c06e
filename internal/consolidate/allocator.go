package consolidate

import (
	"context"

	"tims/internal/infra/persistence/sqlstore"
	"tims/pkg/domain"
)

// Allocator assigns array indices in one wide table. Indices are scoped by
// annotation version and never reused.
type Allocator struct {
	Table sqlstore.WideTable
}

// Claim allocates the next free index for rec's annotation version and
// stores rec at it. q must be the transaction of the surrounding
// consolidation; the record table's primary key rejects a duplicate index.
func (a Allocator) Claim(ctx context.Context, q sqlstore.Queryer, rec domain.FinalizedRecord) (int, error) {
	idx, err := a.Table.NextArrayIndex(ctx, q, rec.AnnotationVersion)
	if err != nil {
		return domain.InvalidIndex, err
	}
	rec.ArrayIndex = idx
	if err := a.Table.InsertRecord(ctx, q, rec); err != nil {
		return domain.InvalidIndex, err
	}
	return idx, nil
}
