package store

// schemaSQL is applied on every startup. CREATE TABLE IF NOT EXISTS
// makes it idempotent across restarts.
const schemaSQL = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS orgs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
	nice_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'newt',
	public_ip TEXT,
	server_public_ip TEXT,
	docker_socket_enabled INTEGER NOT NULL DEFAULT 0,
	dns_authority_enabled INTEGER NOT NULL DEFAULT 0,
	exit_node_id TEXT REFERENCES exit_nodes(id) ON DELETE SET NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(org_id, nice_id)
);

CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	full_domain TEXT,
	ssl INTEGER NOT NULL DEFAULT 1,
	http INTEGER NOT NULL DEFAULT 1,
	sso INTEGER NOT NULL DEFAULT 0,
	block_access INTEGER NOT NULL DEFAULT 0,
	email_whitelist_enabled INTEGER NOT NULL DEFAULT 0,
	dns_authority_enabled INTEGER NOT NULL DEFAULT 0,
	dns_authority_ttl INTEGER NOT NULL DEFAULT 60,
	dns_authority_routing_policy TEXT NOT NULL DEFAULT 'failover',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	method TEXT NOT NULL DEFAULT 'http',
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 100,
	ssl INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS target_health (
	target_id TEXT PRIMARY KEY REFERENCES targets(id) ON DELETE CASCADE,
	hc_enabled INTEGER NOT NULL DEFAULT 0,
	hc_health TEXT NOT NULL DEFAULT 'unknown',
	hc_path TEXT NOT NULL DEFAULT '/',
	hc_scheme TEXT NOT NULL DEFAULT 'http',
	hc_mode TEXT NOT NULL DEFAULT 'http',
	hc_port INTEGER NOT NULL DEFAULT 0,
	hc_interval_seconds INTEGER NOT NULL DEFAULT 30,
	hc_timeout_seconds INTEGER NOT NULL DEFAULT 5,
	hc_headers TEXT NOT NULL DEFAULT '{}',
	hc_method TEXT NOT NULL DEFAULT 'GET',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_whitelist (
	resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	PRIMARY KEY (resource_id, email)
);

CREATE TABLE IF NOT EXISTS newts (
	id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL UNIQUE REFERENCES sites(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS olms (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	olm_id TEXT NOT NULL REFERENCES olms(id) ON DELETE CASCADE,
	pub_key TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS client_site_associations (
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
	PRIMARY KEY (client_id, site_id)
);

CREATE TABLE IF NOT EXISTS exit_nodes (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	endpoint TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	session_token TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_resource ON targets(resource_id);
CREATE INDEX IF NOT EXISTS idx_targets_site ON targets(site_id);
CREATE INDEX IF NOT EXISTS idx_client_site_site ON client_site_associations(site_id);
`
