package repository

// Schema definitions for the Atelier database.
// Compatible with both SQLite and PostgreSQL.

const schemaClients = `
CREATE TABLE IF NOT EXISTS clients (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    email TEXT,
    phone TEXT,
    lifetime_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
    client_tier INTEGER NOT NULL DEFAULT 5,
    spend_percentile DOUBLE PRECISION NOT NULL DEFAULT 0,
    vip_tier TEXT NOT NULL DEFAULT 'Bronze',
    preferred_brands TEXT NOT NULL DEFAULT '[]',
    notes TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_clients_tenant ON clients(tenant_id);
`

const schemaPurchases = `
CREATE TABLE IF NOT EXISTS purchases (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    brand TEXT NOT NULL,
    watch_model TEXT,
    price DOUBLE PRECISION NOT NULL,
    purchased_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_purchases_client ON purchases(tenant_id, client_id, purchased_at);
`

const schemaWatchModels = `
CREATE TABLE IF NOT EXISTS watch_models (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    brand TEXT NOT NULL,
    model TEXT,
    collection TEXT,
    reference TEXT,
    price DOUBLE PRECISION NOT NULL,
    watch_tier INTEGER NOT NULL,
    availability TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_watch_models_tenant ON watch_models(tenant_id);
CREATE INDEX IF NOT EXISTS idx_watch_models_availability ON watch_models(tenant_id, availability);
`

// schemaWaitlist does not enforce one entry per (client, watch) pair.
const schemaWaitlist = `
CREATE TABLE IF NOT EXISTS waitlist_entries (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    watch_model_id TEXT NOT NULL,
    date_added TIMESTAMP NOT NULL,
    notes TEXT,
    priority TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_waitlist_watch ON waitlist_entries(tenant_id, watch_model_id);
CREATE INDEX IF NOT EXISTS idx_waitlist_pair ON waitlist_entries(tenant_id, client_id, watch_model_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

const schemaAllocations = `
CREATE TABLE IF NOT EXISTS allocations (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    watch_model_id TEXT NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    allocated_at TIMESTAMP NOT NULL,
    category TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    days_waiting INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_allocations_tenant ON allocations(tenant_id, allocated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClients,
		schemaPurchases,
		schemaWatchModels,
		schemaWaitlist,
		schemaRuleConfigs,
		schemaAllocations,
	}
}
