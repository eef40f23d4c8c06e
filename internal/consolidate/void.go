package consolidate

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tims/internal/blob"
	"tims/internal/gate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/pkg/domain"
)

// VoidResult describes an unfinalize.
type VoidResult struct {
	StudyID int64
	// Skipped is set when the study was not finalized; nothing changed.
	Skipped bool
	Jobs    []int64
	Cells   int64
	Records int64
	// Artifacts lists the keys removed from the artifact store.
	Artifacts []string
}

// Voider reverses a study's finalization in the depository.
type Voider struct {
	store *sqlstore.Store
	blobs blob.Store
	gate  *gate.Gate
	log   *zap.Logger
}

// NewVoider returns a Voider that serialises with depository writers through g.
func NewVoider(store *sqlstore.Store, blobs blob.Store, g *gate.Gate, log *zap.Logger) *Voider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Voider{store: store, blobs: blobs, gate: g, log: log.With(zap.String("target", sqlstore.Depository.Name))}
}

// Void overwrites every cell owned by the study's finalized jobs with the
// void sentinel and soft-deletes their records, then reverts the jobs to
// Completed and the study to not finalized. Indices are never reclaimed.
// Closed studies are rejected; studies that are not finalized are skipped,
// so voiding twice equals voiding once. Artifacts are deleted only after
// commit.
func (v *Voider) Void(ctx context.Context, studyID int64) (VoidResult, error) {
	release, err := v.gate.Acquire(ctx)
	if err != nil {
		return VoidResult{}, err
	}
	defer release()

	res := VoidResult{StudyID: studyID}
	var keys []string
	table := sqlstore.Depository
	err = v.store.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		study, err := v.store.GetStudy(ctx, tx, studyID)
		if err != nil {
			return err
		}
		if study.Closed {
			return domain.ErrStudyClosed
		}
		if !study.Finalized {
			res.Skipped = true
			return nil
		}
		pending, err := v.store.ListJobsByStatus(ctx, tx, studyID, domain.JobFinalizing)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return domain.ErrRunInProgress
		}
		jobs, err := v.store.ListJobsByStatus(ctx, tx, studyID, domain.JobFinalized)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			indices, err := table.IndicesForJob(ctx, tx, study.AnnotationVersion, job.ID)
			if err != nil {
				return err
			}
			cells, err := table.VoidCells(ctx, tx, study.AnnotationVersion, indices)
			if err != nil {
				return err
			}
			recs, err := table.VoidRecords(ctx, tx, study.AnnotationVersion, job.ID)
			if err != nil {
				return err
			}
			res.Cells += cells
			res.Records += recs
			res.Jobs = append(res.Jobs, job.ID)
		}
		if err := v.store.MoveJobsStatus(ctx, tx, res.Jobs, domain.JobFinalized, domain.JobCompleted); err != nil {
			return err
		}
		if err := v.store.SetStudyFinalized(ctx, tx, studyID, false); err != nil {
			return err
		}
		keys = study.ArtifactKeys()
		return v.store.SetStudyArtifacts(ctx, tx, studyID, "", "", "")
	})
	if err != nil {
		return VoidResult{}, err
	}
	log := v.log.With(zap.Int64("study_id", studyID))
	if res.Skipped {
		log.Info("void skipped: study not finalized")
		return res, nil
	}
	for _, key := range keys {
		deleted, err := v.blobs.Delete(ctx, key)
		if err != nil {
			log.Warn("delete artifact failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if deleted {
			res.Artifacts = append(res.Artifacts, key)
		}
	}
	log.Info("study voided",
		zap.Int("jobs", len(res.Jobs)),
		zap.Int64("cells", res.Cells),
		zap.Int64("records", res.Records))
	return res, nil
}
