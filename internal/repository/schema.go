package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL. Rates and calendar dates are
// stored as TEXT: decimals keep exact digits, dates sort lexicographically
// in ISO form.

const schemaClassifications = `
CREATE TABLE IF NOT EXISTS classifications (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    code TEXT NOT NULL,
    category TEXT NOT NULL,
    label TEXT NOT NULL,
    description TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classifications_tenant ON classifications(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_classifications_code ON classifications(tenant_id, code);
`

const schemaPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    keyword TEXT NOT NULL,
    is_regex INTEGER NOT NULL DEFAULT 0,
    is_global INTEGER NOT NULL DEFAULT 1,
    bank_id TEXT NOT NULL DEFAULT '',
    classification_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns(tenant_id);
CREATE INDEX IF NOT EXISTS idx_patterns_bank ON patterns(tenant_id, bank_id);
CREATE INDEX IF NOT EXISTS idx_patterns_classification ON patterns(tenant_id, classification_id);
`

const schemaRateProfiles = `
CREATE TABLE IF NOT EXISTS rate_profiles (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    code TEXT NOT NULL,
    currency TEXT NOT NULL,
    rate_type TEXT,
    effective_from TEXT NOT NULL DEFAULT '',
    effective_to TEXT NOT NULL DEFAULT '',
    scalars TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_profiles_tenant ON rate_profiles(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rate_profiles_client ON rate_profiles(tenant_id, client_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rate_profiles_code ON rate_profiles(tenant_id, code);
`

const schemaRateEntries = `
CREATE TABLE IF NOT EXISTS rate_entries (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    profile_id TEXT NOT NULL,
    series TEXT NOT NULL,
    rate TEXT NOT NULL,
    effective_from TEXT NOT NULL,
    effective_to TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_entries_series ON rate_entries(tenant_id, profile_id, series, effective_from);
`

const schemaResolutions = `
CREATE TABLE IF NOT EXISTS resolutions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    bank_id TEXT NOT NULL DEFAULT '',
    transaction_text TEXT NOT NULL,
    value_date TEXT NOT NULL,
    classification_status TEXT NOT NULL,
    classification_id TEXT,
    code TEXT,
    category TEXT,
    pattern_id TEXT,
    pricing_status TEXT NOT NULL,
    profile_id TEXT,
    series TEXT,
    rate TEXT,
    rate_from TEXT,
    rate_to TEXT,
    reason TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resolutions_tenant ON resolutions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_resolutions_bank ON resolutions(tenant_id, bank_id);
CREATE INDEX IF NOT EXISTS idx_resolutions_cstatus ON resolutions(tenant_id, classification_status, timestamp);
CREATE INDEX IF NOT EXISTS idx_resolutions_pstatus ON resolutions(tenant_id, pricing_status, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClassifications,
		schemaPatterns,
		schemaRateProfiles,
		schemaRateEntries,
		schemaResolutions,
	}
}
