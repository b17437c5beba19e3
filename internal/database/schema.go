package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Connections table: one row per user linked to the health-data provider
CREATE TABLE IF NOT EXISTS connections (
    user_id TEXT PRIMARY KEY,
    provider_account_id TEXT,

    -- Sealed session (see internal/vault); plaintext never touches this table
    session_ciphertext BLOB,
    session_key_id TEXT,

    -- State tracking
    connected BOOLEAN NOT NULL DEFAULT 0,
    last_sync_at INTEGER,
    backfill_status TEXT NOT NULL DEFAULT 'idle',
    backfill_progress REAL NOT NULL DEFAULT 0,

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- User leases: per-user mutual exclusion for sync and backfill runs
CREATE TABLE IF NOT EXISTS user_leases (
    user_id TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    acquired_at INTEGER NOT NULL
);

-- Backfill jobs: the authoritative state machine for a historical sync
CREATE TABLE IF NOT EXISTS backfill_jobs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    activity_count INTEGER NOT NULL DEFAULT 0,
    chunks_requested INTEGER NOT NULL DEFAULT 0,
    chunks_received INTEGER NOT NULL DEFAULT 0,
    chunks_failed INTEGER NOT NULL DEFAULT 0,
    progress REAL NOT NULL DEFAULT 0,
    processing_attempts INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER,

    CHECK (chunks_received + chunks_failed <= chunks_requested OR chunks_requested = 0)
);

-- Errors surfaced per job for observability
CREATE TABLE IF NOT EXISTS backfill_job_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    chunk_id INTEGER,
    kind TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at INTEGER NOT NULL,

    FOREIGN KEY (job_id) REFERENCES backfill_jobs(id) ON DELETE CASCADE
);

-- Backfill chunks: immutable units of work planned for a job
CREATE TABLE IF NOT EXISTS backfill_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,            -- 'health' or 'activities'
    start_date TEXT,               -- health chunks, inclusive
    end_date TEXT,                 -- health chunks, inclusive
    page_offset INTEGER,           -- activity chunks
    page_size INTEGER,             -- activity chunks
    state TEXT NOT NULL DEFAULT 'pending',
    settled_at INTEGER,

    FOREIGN KEY (job_id) REFERENCES backfill_jobs(id) ON DELETE CASCADE
);

-- Chunk tasks: the rate-limited queue feeding the worker pool
CREATE TABLE IF NOT EXISTS chunk_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_id INTEGER NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL,

    FOREIGN KEY (chunk_id) REFERENCES backfill_chunks(id) ON DELETE CASCADE
);

-- Last dispatch time per user, used to interleave users fairly
CREATE TABLE IF NOT EXISTS user_dispatch (
    user_id TEXT PRIMARY KEY,
    last_dispatched_at INTEGER NOT NULL
);

-- Daily snapshots: normalized per-day health metrics
CREATE TABLE IF NOT EXISTS daily_snapshots (
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    steps INTEGER,
    resting_heart_rate INTEGER,
    avg_heart_rate INTEGER,
    max_heart_rate INTEGER,
    sleep_seconds INTEGER,
    sleep_score INTEGER,
    stress_avg INTEGER,
    hrv_ms REAL,
    body_battery INTEGER,
    calories INTEGER,
    intensity_minutes INTEGER,
    spo2_avg REAL,
    respiration_avg REAL,
    weight_kg REAL,
    checksum TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, date)
);

-- Activities: immutable once ingested, except for attached power detail
CREATE TABLE IF NOT EXISTS activities (
    user_id TEXT NOT NULL,
    provider_activity_id TEXT NOT NULL,
    sport TEXT NOT NULL,
    name TEXT,
    start_time INTEGER NOT NULL,
    date TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    distance_meters REAL NOT NULL DEFAULT 0,
    elevation_gain_meters REAL NOT NULL DEFAULT 0,
    calories REAL NOT NULL DEFAULT 0,
    avg_heart_rate INTEGER,
    max_heart_rate INTEGER,
    avg_power REAL,
    normalized_power REAL,
    has_power_detail BOOLEAN NOT NULL DEFAULT 0,
    intensity_factor REAL,
    tss REAL,
    work_kj REAL,
    power_summary_json TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, provider_activity_id)
);

-- Period stats: derived week/month/year rollups
CREATE TABLE IF NOT EXISTS period_stats (
    user_id TEXT NOT NULL,
    period_key TEXT NOT NULL,
    period_type TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    activity_count INTEGER NOT NULL,
    duration_seconds INTEGER NOT NULL,
    distance_meters REAL NOT NULL,
    elevation_gain_meters REAL NOT NULL,
    tss REAL NOT NULL,
    payload_json TEXT NOT NULL,
    computed_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, period_key)
);

-- Lifetime stats: incremental singleton per user with optimistic version
CREATE TABLE IF NOT EXISTS lifetime_stats (
    user_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    payload_json TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Training load: one point per user and calendar day
CREATE TABLE IF NOT EXISTS training_load (
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    tss REAL NOT NULL,
    ctl REAL NOT NULL,
    atl REAL NOT NULL,
    tsb REAL NOT NULL,
    ramp_rate REAL NOT NULL,

    PRIMARY KEY (user_id, date)
);

-- FTP history: value effective from a date until the next entry
CREATE TABLE IF NOT EXISTS ftp_history (
    user_id TEXT NOT NULL,
    effective_date TEXT NOT NULL,
    ftp_watts REAL NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (user_id, effective_date)
);

-- Athlete profiles: inputs to classification and recommendation context
CREATE TABLE IF NOT EXISTS athlete_profiles (
    user_id TEXT PRIMARY KEY,
    gender TEXT NOT NULL DEFAULT 'male',
    birth_year INTEGER,
    weight_kg REAL,
    goals_json TEXT NOT NULL DEFAULT '[]',
    training_plan_json TEXT NOT NULL DEFAULT 'null',
    updated_at INTEGER NOT NULL
);

-- Recommendations: verbatim output from the recommendation service
CREATE TABLE IF NOT EXISTS recommendations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

-- Aggregation events: dates touched by ingestion, consumed by the aggregation engine
CREATE TABLE IF NOT EXISTS aggregation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    generation INTEGER NOT NULL DEFAULT 1,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL,

    UNIQUE (user_id, date)
);

-- Rate limit circuit breaker: global provider throttling state
CREATE TABLE IF NOT EXISTS rate_limit_circuit_breaker (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    state TEXT NOT NULL DEFAULT 'closed',
    opened_at INTEGER,
    closes_at INTEGER,
    last_429_at INTEGER,
    remaining_15min INTEGER,
    remaining_daily INTEGER,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO rate_limit_circuit_breaker (id, state, updated_at) VALUES (1, 'closed', strftime('%s', 'now'));

-- Indexes for connections table
CREATE INDEX IF NOT EXISTS idx_connections_connected ON connections(connected);
CREATE INDEX IF NOT EXISTS idx_connections_session_key ON connections(session_key_id);

-- One active backfill job per user
CREATE UNIQUE INDEX IF NOT EXISTS idx_backfill_jobs_active ON backfill_jobs(user_id) WHERE status NOT IN ('complete', 'failed');
CREATE INDEX IF NOT EXISTS idx_backfill_jobs_status ON backfill_jobs(status);
CREATE INDEX IF NOT EXISTS idx_backfill_job_errors_job ON backfill_job_errors(job_id);

-- Indexes for chunks and tasks
CREATE INDEX IF NOT EXISTS idx_backfill_chunks_job ON backfill_chunks(job_id, state);
CREATE INDEX IF NOT EXISTS idx_chunk_tasks_user ON chunk_tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_chunk_tasks_ready ON chunk_tasks(next_retry_at, processing_started_at);

-- Indexes for activity and derived data
CREATE INDEX IF NOT EXISTS idx_activities_user_date ON activities(user_id, date);
CREATE INDEX IF NOT EXISTS idx_period_stats_user_type ON period_stats(user_id, period_type, start_date);
CREATE INDEX IF NOT EXISTS idx_recommendations_user ON recommendations(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_aggregation_events_ready ON aggregation_events(processing_started_at, id);
`
