package store

// Schema v1 - schedules, composed documents and their full-text index
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per published month
CREATE TABLE IF NOT EXISTS pbs_schedule (
  schedule_code TEXT PRIMARY KEY,
  effective_date TEXT NOT NULL,
  source_url TEXT NOT NULL,
  ingested_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pbs_schedule_effective ON pbs_schedule(effective_date);

-- Composed documents. doc_key is the composer's aggregation key, so the
-- upsert conflict target and the dedup identity are the same value.
CREATE TABLE IF NOT EXISTS pbs_doc (
  seq INTEGER PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  schedule_code TEXT NOT NULL REFERENCES pbs_schedule(schedule_code),
  doc_key TEXT NOT NULL,
  pbs_code TEXT NOT NULL,
  res_code TEXT NOT NULL,
  drug_name TEXT NOT NULL,
  brand_name TEXT,
  formulation TEXT,
  program_code TEXT,
  hospital_type TEXT,
  authority_method TEXT,
  treatment_phase TEXT,
  streamlined_code TEXT,
  title TEXT NOT NULL CHECK (title <> ''),
  body TEXT NOT NULL,
  source_json TEXT NOT NULL DEFAULT '{}',
  UNIQUE (schedule_code, doc_key)
);

CREATE INDEX IF NOT EXISTS idx_pbs_doc_schedule ON pbs_doc(schedule_code);
CREATE INDEX IF NOT EXISTS idx_pbs_doc_pbs_code ON pbs_doc(pbs_code);

-- External-content full-text index over title and body
CREATE VIRTUAL TABLE IF NOT EXISTS pbs_doc_fts USING fts5(
  title,
  body,
  content='pbs_doc',
  content_rowid='seq',
  tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS pbs_doc_ai AFTER INSERT ON pbs_doc BEGIN
  INSERT INTO pbs_doc_fts(rowid, title, body) VALUES (new.seq, new.title, new.body);
END;

CREATE TRIGGER IF NOT EXISTS pbs_doc_ad AFTER DELETE ON pbs_doc BEGIN
  INSERT INTO pbs_doc_fts(pbs_doc_fts, rowid, title, body) VALUES ('delete', old.seq, old.title, old.body);
END;

CREATE TRIGGER IF NOT EXISTS pbs_doc_au AFTER UPDATE ON pbs_doc BEGIN
  INSERT INTO pbs_doc_fts(pbs_doc_fts, rowid, title, body) VALUES ('delete', old.seq, old.title, old.body);
  INSERT INTO pbs_doc_fts(rowid, title, body) VALUES (new.seq, new.title, new.body);
END;
`

// Schema v2 - ingest run ledger
const schemaV2 = `
CREATE TABLE IF NOT EXISTS ingest_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  origin TEXT NOT NULL,
  schedule_code TEXT,
  status TEXT NOT NULL DEFAULT 'running',
  docs INTEGER NOT NULL DEFAULT 0,
  index_written INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_schedule ON ingest_runs(schedule_code);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`
