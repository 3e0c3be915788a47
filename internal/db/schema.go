package db

// SchemaSQL defines the harvester tables. Every statement is idempotent.
const SchemaSQL = `
    -- ==========================================================================
    -- SERVICE TABLE (OAI-PMH providers)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS service SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS base_url ON service TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON service TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS admin_email ON service TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS earliest_datestamp ON service TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS granularity ON service TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS set_specs ON service TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS created_at ON service TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON service TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS service_base_url ON service FIELDS base_url UNIQUE;

    -- ==========================================================================
    -- HARVEST_JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS harvest_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS service ON harvest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS state ON harvest_job TYPE string
        ASSERT $value IN ["configured", "running", "succeeded", "failed", "partial"];
    DEFINE FIELD IF NOT EXISTS window_from ON harvest_job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS window_until ON harvest_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS effective_until ON harvest_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS metadata_prefix ON harvest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS set_spec ON harvest_job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS ignore_deleted ON harvest_job TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON harvest_job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS started_at ON harvest_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS ended_at ON harvest_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS last_record_at ON harvest_job TYPE option<datetime>;
    -- counters: processed, inserted, updated, unchanged, deleted, ignored, skipped, pages, complete_list_size
    DEFINE FIELD IF NOT EXISTS counters ON harvest_job TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error ON harvest_job TYPE string DEFAULT "";

    DEFINE INDEX IF NOT EXISTS harvest_job_service ON harvest_job FIELDS service, created_at;
    DEFINE INDEX IF NOT EXISTS harvest_job_state ON harvest_job FIELDS service, state;

    -- ==========================================================================
    -- IDENTIFIER TABLE (harvested records)
    -- ==========================================================================
    -- Record IDs are derived from (service, external_id) so writes from
    -- several harvesters address the same row.
    DEFINE TABLE IF NOT EXISTS identifier SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS service ON identifier TYPE string;
    DEFINE FIELD IF NOT EXISTS external_id ON identifier TYPE string;
    DEFINE FIELD IF NOT EXISTS oai_id ON identifier TYPE string;
    DEFINE FIELD IF NOT EXISTS registrant ON identifier TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS provider_time ON identifier TYPE datetime;
    DEFINE FIELD IF NOT EXISTS igsn_time ON identifier TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS harvested_at ON identifier TYPE datetime;
    DEFINE FIELD IF NOT EXISTS set_specs ON identifier TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS log ON identifier TYPE array<object> FLEXIBLE DEFAULT [];
    REMOVE FIELD IF EXISTS log.* ON identifier;
    DEFINE FIELD log.* ON identifier TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS related ON identifier TYPE array<object> FLEXIBLE DEFAULT [];
    REMOVE FIELD IF EXISTS related.* ON identifier;
    DEFINE FIELD related.* ON identifier TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS payload ON identifier TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS deleted ON identifier TYPE bool DEFAULT false;

    DEFINE INDEX IF NOT EXISTS identifier_external ON identifier FIELDS service, external_id UNIQUE;
    DEFINE INDEX IF NOT EXISTS identifier_oai ON identifier FIELDS service, oai_id;
    DEFINE INDEX IF NOT EXISTS identifier_provider_time ON identifier FIELDS service, provider_time;
`

// tables lists the harvester tables in wipe order.
var tables = []string{"identifier", "harvest_job", "service"}
