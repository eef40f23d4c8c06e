package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"tims/internal/artifacts"
	"tims/internal/blob"
	"tims/internal/consolidate"
	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/runner"
	"tims/pkg/domain"
)

// writeFinalizeArtifacts stores the summary, the consolidated export and the
// detail bundle of a committed finalize run. It returns the keys written so
// far; the first failure stops it.
func (s *Service) writeFinalizeArtifacts(ctx context.Context, study domain.Study, jobs []domain.SubmittedJob, run runner.Run, out consolidate.Outcome) (artifacts.RunKeys, error) {
	planned := artifacts.KeysFor(string(run.Kind), study.ID, run.ID)
	var keys artifacts.RunKeys

	if err := s.putSummary(ctx, planned.Summary, study, run, out); err != nil {
		return keys, err
	}
	keys.Summary = planned.Summary

	var buf bytes.Buffer
	if err := s.exportDepository(ctx, &buf, study, jobs); err != nil {
		return keys, fmt.Errorf("consolidated export: %w", err)
	}
	if _, err := s.blobs.Put(ctx, planned.Consolidated, &buf, blob.PutOptions{ContentType: "text/plain; charset=utf-8"}); err != nil {
		return keys, fmt.Errorf("store consolidated export: %w", err)
	}
	keys.Consolidated = planned.Consolidated

	sources := make([]artifacts.DetailSource, 0, len(jobs))
	for _, j := range jobs {
		if j.DetailKey != "" {
			sources = append(sources, artifacts.DetailSource{JobID: j.ID, Key: j.DetailKey})
		}
	}
	if len(sources) == 0 {
		return keys, nil
	}
	buf.Reset()
	if _, err := artifacts.WriteDetailBundle(ctx, s.blobs, &buf, sources); err != nil {
		return keys, fmt.Errorf("detail bundle: %w", err)
	}
	if _, err := s.blobs.Put(ctx, planned.Detail, &buf, blob.PutOptions{ContentType: "application/zip"}); err != nil {
		return keys, fmt.Errorf("store detail bundle: %w", err)
	}
	keys.Detail = planned.Detail
	return keys, nil
}

func (s *Service) putSummary(ctx context.Context, key string, study domain.Study, run runner.Run, out consolidate.Outcome) error {
	summary := artifacts.Summary{
		Kind:              string(run.Kind),
		RunID:             run.ID,
		StudyID:           study.ID,
		StudyTitle:        study.Title,
		AnnotationVersion: study.AnnotationVersion,
		RequestedBy:       run.RequestedBy,
		GeneratedAt:       time.Now(),
		Jobs:              out.Summaries(),
	}
	var buf bytes.Buffer
	if err := summary.WriteText(&buf, s.idsPerLine); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	if _, err := s.blobs.Put(ctx, key, &buf, blob.PutOptions{ContentType: "text/plain; charset=utf-8"}); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

// exportDepository writes one row per live depository record of the study.
func (s *Service) exportDepository(ctx context.Context, buf *bytes.Buffer, study domain.Study, jobs []domain.SubmittedJob) error {
	db := s.store.DB()
	table := sqlstore.Depository
	genes, err := table.Genes(ctx, db, study.AnnotationVersion)
	if err != nil {
		return err
	}
	recs, err := table.StudyRecords(ctx, db, study.ID)
	if err != nil {
		return err
	}
	pipelines := make(map[int64]string, len(jobs))
	for _, j := range jobs {
		pipelines[j.ID] = j.Pipeline
	}
	rows := make([]artifacts.ExportRow, 0, len(recs))
	for _, rec := range recs {
		col, err := table.Column(ctx, db, rec.AnnotationVersion, rec.ArrayIndex)
		if err != nil {
			return err
		}
		rows = append(rows, artifacts.ExportRow{Subject: rec.SubjectID, Pipeline: pipelines[rec.JobID], Values: col})
	}
	return artifacts.WriteConsolidated(buf, genes, rows)
}
