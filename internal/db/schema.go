package db

// SchemaSQL contains the audit store schema. Five append-mostly tables plus
// the one mutable computation_lease table. All ids are application-generated
// UUID record ids; all timestamps are UTC datetimes.
const SchemaSQL = `
    -- ==========================================================================
    -- INGEST RUN (mutable only in its status transition)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS ingest_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_system ON ingest_run TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON ingest_run TYPE string
        ASSERT $value IN ["running", "succeeded", "failed", "partial", "cancelled"];
    DEFINE FIELD IF NOT EXISTS started_at ON ingest_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON ingest_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS records_loaded ON ingest_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS input_hash ON ingest_run TYPE string;
    DEFINE FIELD IF NOT EXISTS details ON ingest_run TYPE option<string>;

    DEFINE INDEX IF NOT EXISTS ingest_run_hash ON ingest_run FIELDS input_hash;
    DEFINE INDEX IF NOT EXISTS ingest_run_started ON ingest_run FIELDS started_at;

    -- ==========================================================================
    -- DATA QUALITY ISSUE (append-only; resolution sets resolved_at)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS quality_issue SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ingest_run_id ON quality_issue TYPE string;
    DEFINE FIELD IF NOT EXISTS detected_at ON quality_issue TYPE datetime;
    DEFINE FIELD IF NOT EXISTS severity ON quality_issue TYPE string
        ASSERT $value IN ["info", "warning", "critical"];
    DEFINE FIELD IF NOT EXISTS kpi_id ON quality_issue TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS issue_type ON quality_issue TYPE string;
    DEFINE FIELD IF NOT EXISTS payload ON quality_issue TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS resolved_at ON quality_issue TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS quality_issue_run ON quality_issue FIELDS ingest_run_id;
    DEFINE INDEX IF NOT EXISTS quality_issue_severity ON quality_issue FIELDS ingest_run_id, severity;

    -- ==========================================================================
    -- KPI SNAPSHOT (append-only, never updated or deleted)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS kpi_snapshot SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kpi_id ON kpi_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS calculated_at ON kpi_snapshot TYPE datetime;
    DEFINE FIELD IF NOT EXISTS value ON kpi_snapshot TYPE float;
    DEFINE FIELD IF NOT EXISTS calculation_version ON kpi_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS source_table ON kpi_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS ingest_run_id ON kpi_snapshot TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS quality_gated ON kpi_snapshot TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS chain_hash ON kpi_snapshot TYPE string;

    DEFINE INDEX IF NOT EXISTS kpi_snapshot_key ON kpi_snapshot FIELDS kpi_id, calculation_version, calculated_at;
    DEFINE INDEX IF NOT EXISTS kpi_snapshot_run ON kpi_snapshot FIELDS ingest_run_id;

    -- ==========================================================================
    -- LINEAGE STEP (append-only, written with its snapshot)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS lineage_step SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kpi_snapshot_id ON lineage_step TYPE string;
    DEFINE FIELD IF NOT EXISTS step_order ON lineage_step TYPE int ASSERT $value >= 1;
    DEFINE FIELD IF NOT EXISTS step_name ON lineage_step TYPE string;
    DEFINE FIELD IF NOT EXISTS input_table ON lineage_step TYPE string;
    DEFINE FIELD IF NOT EXISTS transformation ON lineage_step TYPE string;
    DEFINE FIELD IF NOT EXISTS checksum ON lineage_step TYPE string;

    -- One step per order per snapshot: contiguity is enforced in code, this
    -- index rejects duplicates under concurrent writers
    DEFINE INDEX IF NOT EXISTS lineage_step_order ON lineage_step FIELDS kpi_snapshot_id, step_order UNIQUE;

    -- ==========================================================================
    -- AGENT RUN (append-only; corrections are new rows)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS agent_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS started_at ON agent_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON agent_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS input_data_hash ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS prompt_version ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS model_used ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS output_narrative ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS citations ON agent_run TYPE array<object>;
    REMOVE FIELD IF EXISTS citations.* ON agent_run;
    DEFINE FIELD citations.* ON agent_run TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS accuracy_score ON agent_run TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS requires_human_review ON agent_run TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS kpi_snapshot_id ON agent_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS metadata ON agent_run TYPE option<object> FLEXIBLE;

    DEFINE INDEX IF NOT EXISTS agent_run_started ON agent_run FIELDS started_at;

    -- ==========================================================================
    -- COMPUTATION LEASE (the only other mutable table; record id = lease key)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS computation_lease SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS key ON computation_lease TYPE string;
    DEFINE FIELD IF NOT EXISTS holder ON computation_lease TYPE string;
    DEFINE FIELD IF NOT EXISTS acquired_at ON computation_lease TYPE datetime;
    DEFINE FIELD IF NOT EXISTS expires_at ON computation_lease TYPE datetime;
`
