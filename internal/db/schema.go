package db

const runTable = "job_run"

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB_RUN TABLE (one record per supervised job)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON job_run TYPE string;
    DEFINE FIELD IF NOT EXISTS state ON job_run TYPE string;
    DEFINE FIELD IF NOT EXISTS parent_dir ON job_run TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS model ON job_run TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS exit_code ON job_run TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS error ON job_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS summary ON job_run TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS started_at ON job_run TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed_at ON job_run TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS job_run_started ON job_run FIELDS started_at;
    DEFINE INDEX IF NOT EXISTS job_run_state ON job_run FIELDS state;
`
