package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"tims/pkg/domain"
)

// schema is shared by both dialects; {{serial}} expands to the dialect's
// auto-increment primary key column type.
var schema = `
CREATE TABLE IF NOT EXISTS study (
	study_id {{serial}},
	title TEXT NOT NULL DEFAULT '',
	annot_ver TEXT NOT NULL,
	finalized BOOLEAN NOT NULL DEFAULT FALSE,
	closed BOOLEAN NOT NULL DEFAULT FALSE,
	summary_key TEXT NOT NULL DEFAULT '',
	consolidated_key TEXT NOT NULL DEFAULT '',
	detail_key TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS job_status (
	status_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS submitted_job (
	job_id {{serial}},
	study_id BIGINT NOT NULL REFERENCES study(study_id),
	pipeline TEXT NOT NULL DEFAULT '',
	submitted_by TEXT NOT NULL DEFAULT '',
	status_id INTEGER NOT NULL REFERENCES job_status(status_id),
	output_key TEXT NOT NULL DEFAULT '',
	detail_key TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS submitted_job_study_idx ON submitted_job(study_id);
CREATE TABLE IF NOT EXISTS subject_record (
	subject_id TEXT NOT NULL,
	study_id BIGINT NOT NULL REFERENCES study(study_id),
	PRIMARY KEY (subject_id, study_id)
);
` + wideTableDDL + strings.NewReplacer(
	"data_depository_value", "vault_data_value",
	"data_depository", "vault_data",
	"finalized_record", "vault_record",
).Replace(wideTableDDL)

const wideTableDDL = `
CREATE TABLE IF NOT EXISTS data_depository (
	genename TEXT NOT NULL,
	annot_ver TEXT NOT NULL,
	PRIMARY KEY (genename, annot_ver)
);
CREATE TABLE IF NOT EXISTS data_depository_value (
	genename TEXT NOT NULL,
	annot_ver TEXT NOT NULL,
	array_index INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (genename, annot_ver, array_index)
);
CREATE INDEX IF NOT EXISTS data_depository_value_idx ON data_depository_value(annot_ver, array_index);
CREATE TABLE IF NOT EXISTS finalized_record (
	array_index INTEGER NOT NULL,
	annot_ver TEXT NOT NULL,
	job_id BIGINT NOT NULL,
	subject_id TEXT NOT NULL,
	study_id BIGINT NOT NULL,
	PRIMARY KEY (annot_ver, array_index)
);
CREATE INDEX IF NOT EXISTS finalized_record_job_idx ON finalized_record(job_id);
CREATE INDEX IF NOT EXISTS finalized_record_study_idx ON finalized_record(study_id);
`

func (s *Store) ddl() string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(schema, "{{serial}}", serial)
}

// Migrate applies the schema idempotently and seeds the job status
// enumeration.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.ddl(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	insert := s.db.Rebind(`INSERT INTO job_status(status_id, name) VALUES(?, ?) ON CONFLICT(status_id) DO NOTHING`)
	for i, status := range domain.JobStatuses {
		if _, err := s.db.ExecContext(ctx, insert, i+1, string(status)); err != nil {
			return fmt.Errorf("seed job_status: %w", err)
		}
	}
	return nil
}
