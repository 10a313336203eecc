// Package store is the control plane's single source of truth: orgs,
// sites, resources, targets, target health, agent associations,
// sessions, and users, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned by single-row lookups that find no row.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dbh, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	dbh.SetMaxOpenConns(1)
	dbh.SetMaxIdleConns(1)
	dbh.SetConnMaxLifetime(0)

	return &Store{db: dbh}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// -- Org --------------------------------------------------------------

type Org struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

func (s *Store) CreateOrg(ctx context.Context, name string) (Org, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orgs (id, name, created_at) VALUES (?, ?, ?)
	`, id, name, now)
	if err != nil {
		return Org{}, fmt.Errorf("insert org: %w", err)
	}
	return Org{ID: id, Name: name, CreatedAt: now}, nil
}

// -- Site ---------------------------------------------------------------

type Site struct {
	ID                  string
	OrgID               string
	NiceID              string
	Name                string
	Type                string
	PublicIP            sql.NullString
	ServerPublicIP      sql.NullString
	DockerSocketEnabled bool
	DnsAuthorityEnabled bool
	ExitNodeID          sql.NullString
	CreatedAt           time.Time
}

type CreateSiteParams struct {
	OrgID               string
	NiceID              string
	Name                string
	Type                string
	PublicIP            string
	ServerPublicIP      string
	DockerSocketEnabled bool
	DnsAuthorityEnabled bool
	ExitNodeID          string
}

// CreateSite enforces the invariant that a DNS-authority site must carry
// a public IP.
func (s *Store) CreateSite(ctx context.Context, p CreateSiteParams) (Site, error) {
	if p.DnsAuthorityEnabled && p.PublicIP == "" {
		return Site{}, fmt.Errorf("create site: dnsAuthorityEnabled requires publicIp")
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	siteType := p.Type
	if siteType == "" {
		siteType = "newt"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, org_id, nice_id, name, type, public_ip, server_public_ip,
			docker_socket_enabled, dns_authority_enabled, exit_node_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.OrgID, p.NiceID, p.Name, siteType, nullableString(p.PublicIP), nullableString(p.ServerPublicIP),
		p.DockerSocketEnabled, p.DnsAuthorityEnabled, nullableString(p.ExitNodeID), now)
	if err != nil {
		return Site{}, fmt.Errorf("insert site: %w", err)
	}
	return s.SiteByID(ctx, id)
}

func (s *Store) SiteByID(ctx context.Context, id string) (Site, error) {
	var site Site
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, nice_id, name, type, public_ip, server_public_ip,
			docker_socket_enabled, dns_authority_enabled, exit_node_id, created_at
		FROM sites WHERE id = ?
	`, id).Scan(&site.ID, &site.OrgID, &site.NiceID, &site.Name, &site.Type, &site.PublicIP,
		&site.ServerPublicIP, &site.DockerSocketEnabled, &site.DnsAuthorityEnabled, &site.ExitNodeID, &site.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Site{}, ErrNotFound
		}
		return Site{}, fmt.Errorf("select site: %w", err)
	}
	return site, nil
}

// AllSites lists every site, sorted by id, for read-only introspection
// (internal/diag's list-sites action).
func (s *Store) AllSites(ctx context.Context) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, nice_id, name, type, public_ip, server_public_ip,
			docker_socket_enabled, dns_authority_enabled, exit_node_id, created_at
		FROM sites ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.ID, &site.OrgID, &site.NiceID, &site.Name, &site.Type, &site.PublicIP,
			&site.ServerPublicIP, &site.DockerSocketEnabled, &site.DnsAuthorityEnabled, &site.ExitNodeID, &site.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

// -- Resource -------------------------------------------------------------

type Resource struct {
	ID                        string
	OrgID                     string
	Name                      string
	FullDomain                sql.NullString
	SSL                       bool
	HTTP                      bool
	SSO                       bool
	BlockAccess               bool
	EmailWhitelistEnabled     bool
	DnsAuthorityEnabled       bool
	DnsAuthorityTTL           int
	DnsAuthorityRoutingPolicy string
	CreatedAt                 time.Time
}

type CreateResourceParams struct {
	OrgID                     string
	Name                      string
	FullDomain                string
	SSL                       bool
	HTTP                      bool
	SSO                       bool
	BlockAccess               bool
	EmailWhitelistEnabled     bool
	DnsAuthorityEnabled       bool
	DnsAuthorityTTL           int
	DnsAuthorityRoutingPolicy string
}

func (s *Store) CreateResource(ctx context.Context, p CreateResourceParams) (Resource, error) {
	ttl := p.DnsAuthorityTTL
	if ttl == 0 {
		ttl = 60
	}
	if ttl < 10 || ttl > 86400 {
		return Resource{}, fmt.Errorf("create resource: dnsAuthorityTtl %d out of range [10,86400]", ttl)
	}
	policy := p.DnsAuthorityRoutingPolicy
	if policy == "" {
		policy = "failover"
	}
	switch policy {
	case "failover", "roundrobin", "priority":
	default:
		return Resource{}, fmt.Errorf("create resource: unknown routing policy %q", policy)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, org_id, name, full_domain, ssl, http, sso, block_access,
			email_whitelist_enabled, dns_authority_enabled, dns_authority_ttl, dns_authority_routing_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.OrgID, p.Name, nullableString(p.FullDomain), p.SSL, p.HTTP, p.SSO, p.BlockAccess,
		p.EmailWhitelistEnabled, p.DnsAuthorityEnabled, ttl, policy, now)
	if err != nil {
		return Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	return s.ResourceByID(ctx, id)
}

func (s *Store) ResourceByID(ctx context.Context, id string) (Resource, error) {
	var r Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, full_domain, ssl, http, sso, block_access,
			email_whitelist_enabled, dns_authority_enabled, dns_authority_ttl, dns_authority_routing_policy, created_at
		FROM resources WHERE id = ?
	`, id).Scan(&r.ID, &r.OrgID, &r.Name, &r.FullDomain, &r.SSL, &r.HTTP, &r.SSO, &r.BlockAccess,
		&r.EmailWhitelistEnabled, &r.DnsAuthorityEnabled, &r.DnsAuthorityTTL, &r.DnsAuthorityRoutingPolicy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("select resource: %w", err)
	}
	return r, nil
}

// AllResources lists every resource, sorted by id, for read-only
// introspection (internal/diag's list-resources action).
func (s *Store) AllResources(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, full_domain, ssl, http, sso, block_access,
			email_whitelist_enabled, dns_authority_enabled, dns_authority_ttl, dns_authority_routing_policy, created_at
		FROM resources ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Name, &r.FullDomain, &r.SSL, &r.HTTP, &r.SSO, &r.BlockAccess,
			&r.EmailWhitelistEnabled, &r.DnsAuthorityEnabled, &r.DnsAuthorityTTL, &r.DnsAuthorityRoutingPolicy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ResourceWhitelist(ctx context.Context, resourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email FROM resource_whitelist WHERE resource_id = ? ORDER BY email
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan whitelist email: %w", err)
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func (s *Store) AddResourceWhitelistEmail(ctx context.Context, resourceID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO resource_whitelist (resource_id, email) VALUES (?, ?)
	`, resourceID, email)
	if err != nil {
		return fmt.Errorf("insert whitelist email: %w", err)
	}
	return nil
}

// -- Target / TargetHealth -----------------------------------------------

type Target struct {
	ID         string
	ResourceID string
	SiteID     string
	IP         string
	Port       int
	Method     string
	Enabled    bool
	Priority   int
	SSL        bool
	CreatedAt  time.Time
}

type CreateTargetParams struct {
	ResourceID string
	SiteID     string
	IP         string
	Port       int
	Method     string
	Enabled    bool
	Priority   int
	SSL        bool
}

// CreateTarget also creates the one-to-one TargetHealth row.
func (s *Store) CreateTarget(ctx context.Context, p CreateTargetParams) (Target, error) {
	method := p.Method
	if method == "" {
		method = "http"
	}
	priority := p.Priority
	if priority == 0 {
		priority = 100
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Target{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO targets (id, resource_id, site_id, ip, port, method, enabled, priority, ssl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.ResourceID, p.SiteID, p.IP, p.Port, method, p.Enabled, priority, p.SSL, now)
	if err != nil {
		return Target{}, fmt.Errorf("insert target: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO target_health (target_id, updated_at) VALUES (?, ?)
	`, id, now)
	if err != nil {
		return Target{}, fmt.Errorf("insert target_health: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Target{}, fmt.Errorf("commit tx: %w", err)
	}
	return s.TargetByID(ctx, id)
}

func (s *Store) TargetByID(ctx context.Context, id string) (Target, error) {
	var t Target
	err := s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, site_id, ip, port, method, enabled, priority, ssl, created_at
		FROM targets WHERE id = ?
	`, id).Scan(&t.ID, &t.ResourceID, &t.SiteID, &t.IP, &t.Port, &t.Method, &t.Enabled, &t.Priority, &t.SSL, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Target{}, ErrNotFound
		}
		return Target{}, fmt.Errorf("select target: %w", err)
	}
	return t, nil
}

// TargetSite returns the siteId that owns targetID, used by the health
// ingestor's tenancy check.
func (s *Store) TargetSite(ctx context.Context, targetID string) (string, error) {
	var siteID string
	err := s.db.QueryRowContext(ctx, `SELECT site_id FROM targets WHERE id = ?`, targetID).Scan(&siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select target site: %w", err)
	}
	return siteID, nil
}

type TargetHealth struct {
	TargetID          string
	HcEnabled         bool
	HcHealth          string
	HcPath            string
	HcScheme          string
	HcMode            string
	HcPort            int
	HcIntervalSeconds int
	HcTimeoutSeconds  int
	HcHeaders         string
	HcMethod          string
	UpdatedAt         time.Time
}

func (s *Store) TargetHealthByID(ctx context.Context, targetID string) (TargetHealth, error) {
	var h TargetHealth
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id, hc_enabled, hc_health, hc_path, hc_scheme, hc_mode, hc_port,
			hc_interval_seconds, hc_timeout_seconds, hc_headers, hc_method, updated_at
		FROM target_health WHERE target_id = ?
	`, targetID).Scan(&h.TargetID, &h.HcEnabled, &h.HcHealth, &h.HcPath, &h.HcScheme, &h.HcMode, &h.HcPort,
		&h.HcIntervalSeconds, &h.HcTimeoutSeconds, &h.HcHeaders, &h.HcMethod, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TargetHealth{}, ErrNotFound
		}
		return TargetHealth{}, fmt.Errorf("select target health: %w", err)
	}
	return h, nil
}

// SetTargetHealth updates hc_health and its updated_at timestamp; it is
// mutated by the health ingestor only, never by the reconcilers that
// read it.
func (s *Store) SetTargetHealth(ctx context.Context, targetID, health string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE target_health SET hc_health = ?, updated_at = ? WHERE target_id = ?
	`, health, at.UTC(), targetID)
	if err != nil {
		return fmt.Errorf("update target health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHealthCheckEnabled flips hcEnabled for a target. While disabled a
// target is always reported healthy regardless of hcHealth.
func (s *Store) SetHealthCheckEnabled(ctx context.Context, targetID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE target_health SET hc_enabled = ? WHERE target_id = ?
	`, enabled, targetID)
	if err != nil {
		return fmt.Errorf("update hc_enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TargetWithSiteHealth is the row shape the DNS-authority reconciler
// needs: a target joined with its owning site and health, in one query.
type TargetWithSiteHealth struct {
	Target     Target
	Health     TargetHealth
	SitePublic sql.NullString
	SiteName   string
	SiteDnsOK  bool
}

// ResourceTargetsWithSiteHealth lists every target of resourceID joined
// with its site and health row, ordered by siteId then targetId for
// deterministic zone-config construction.
func (s *Store) ResourceTargetsWithSiteHealth(ctx context.Context, resourceID string) ([]TargetWithSiteHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.resource_id, t.site_id, t.ip, t.port, t.method, t.enabled, t.priority, t.ssl, t.created_at,
			h.target_id, h.hc_enabled, h.hc_health, h.hc_path, h.hc_scheme, h.hc_mode, h.hc_port,
			h.hc_interval_seconds, h.hc_timeout_seconds, h.hc_headers, h.hc_method, h.updated_at,
			sites.public_ip, sites.name, sites.dns_authority_enabled
		FROM targets t
		JOIN target_health h ON h.target_id = t.id
		JOIN sites ON sites.id = t.site_id
		WHERE t.resource_id = ?
		ORDER BY t.site_id, t.id
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list resource targets: %w", err)
	}
	defer rows.Close()

	var out []TargetWithSiteHealth
	for rows.Next() {
		var row TargetWithSiteHealth
		if err := rows.Scan(
			&row.Target.ID, &row.Target.ResourceID, &row.Target.SiteID, &row.Target.IP, &row.Target.Port,
			&row.Target.Method, &row.Target.Enabled, &row.Target.Priority, &row.Target.SSL, &row.Target.CreatedAt,
			&row.Health.TargetID, &row.Health.HcEnabled, &row.Health.HcHealth, &row.Health.HcPath, &row.Health.HcScheme,
			&row.Health.HcMode, &row.Health.HcPort, &row.Health.HcIntervalSeconds, &row.Health.HcTimeoutSeconds,
			&row.Health.HcHeaders, &row.Health.HcMethod, &row.Health.UpdatedAt,
			&row.SitePublic, &row.SiteName, &row.SiteDnsOK,
		); err != nil {
			return nil, fmt.Errorf("scan resource target: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SiteEnabledTargetsWithResource lists every enabled target on siteID
// joined with its resource, for the auth-proxy reconciler.
type TargetWithResource struct {
	Target   Target
	Resource Resource
}

func (s *Store) SiteEnabledTargetsWithResource(ctx context.Context, siteID string) ([]TargetWithResource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.resource_id, t.site_id, t.ip, t.port, t.method, t.enabled, t.priority, t.ssl, t.created_at,
			r.id, r.org_id, r.name, r.full_domain, r.ssl, r.http, r.sso, r.block_access,
			r.email_whitelist_enabled, r.dns_authority_enabled, r.dns_authority_ttl, r.dns_authority_routing_policy, r.created_at
		FROM targets t
		JOIN resources r ON r.id = t.resource_id
		WHERE t.site_id = ? AND t.enabled = 1
		ORDER BY t.id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list site targets: %w", err)
	}
	defer rows.Close()

	var out []TargetWithResource
	for rows.Next() {
		var row TargetWithResource
		if err := rows.Scan(
			&row.Target.ID, &row.Target.ResourceID, &row.Target.SiteID, &row.Target.IP, &row.Target.Port,
			&row.Target.Method, &row.Target.Enabled, &row.Target.Priority, &row.Target.SSL, &row.Target.CreatedAt,
			&row.Resource.ID, &row.Resource.OrgID, &row.Resource.Name, &row.Resource.FullDomain, &row.Resource.SSL,
			&row.Resource.HTTP, &row.Resource.SSO, &row.Resource.BlockAccess, &row.Resource.EmailWhitelistEnabled,
			&row.Resource.DnsAuthorityEnabled, &row.Resource.DnsAuthorityTTL, &row.Resource.DnsAuthorityRoutingPolicy,
			&row.Resource.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan site target: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ResourceSiteIDs returns the distinct siteIds hosting an enabled target
// of resourceID, sorted ascending.
func (s *Store) ResourceSiteIDs(ctx context.Context, resourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT site_id FROM targets WHERE resource_id = ? AND enabled = 1
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list resource sites: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource site: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ResourceIDsForSite returns the distinct resourceIds with at least one
// enabled target on siteID, sorted ascending. Used to bootstrap an
// Olm's zone set for every site its client associates with.
func (s *Store) ResourceIDsForSite(ctx context.Context, siteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT resource_id FROM targets WHERE site_id = ? AND enabled = 1
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list resources for site: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ResourceIDsForTargets collapses targetIDs to the distinct set of
// resourceIds they belong to, used by the DNS-authority reconciler's
// health-update path.
func (s *Store) ResourceIDsForTargets(ctx context.Context, targetIDs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, tid := range targetIDs {
		t, err := s.TargetByID(ctx, tid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if _, ok := seen[t.ResourceID]; ok {
			continue
		}
		seen[t.ResourceID] = struct{}{}
		ids = append(ids, t.ResourceID)
	}
	sort.Strings(ids)
	return ids, nil
}

// -- Newt / Olm / Client / ClientSiteAssociation --------------------------

type Newt struct {
	ID     string
	SiteID string
}

func (s *Store) CreateNewt(ctx context.Context, siteID string) (Newt, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO newts (id, site_id) VALUES (?, ?)`, id, siteID)
	if err != nil {
		return Newt{}, fmt.Errorf("insert newt: %w", err)
	}
	return Newt{ID: id, SiteID: siteID}, nil
}

func (s *Store) NewtByID(ctx context.Context, id string) (Newt, error) {
	var n Newt
	err := s.db.QueryRowContext(ctx, `SELECT id, site_id FROM newts WHERE id = ?`, id).Scan(&n.ID, &n.SiteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Newt{}, ErrNotFound
		}
		return Newt{}, fmt.Errorf("select newt: %w", err)
	}
	return n, nil
}

// NewtsForSite returns the Newts bound to siteID, sorted by id. A site
// has at most one Newt, so this slice has at most one element; the
// slice shape keeps recipient-set code uniform with the Olm side.
func (s *Store) NewtsForSite(ctx context.Context, siteID string) ([]Newt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, site_id FROM newts WHERE site_id = ? ORDER BY id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list newts for site: %w", err)
	}
	defer rows.Close()

	var out []Newt
	for rows.Next() {
		var n Newt
		if err := rows.Scan(&n.ID, &n.SiteID); err != nil {
			return nil, fmt.Errorf("scan newt: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type Olm struct {
	ID string
}

func (s *Store) CreateOlm(ctx context.Context) (Olm, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO olms (id) VALUES (?)`, id)
	if err != nil {
		return Olm{}, fmt.Errorf("insert olm: %w", err)
	}
	return Olm{ID: id}, nil
}

func (s *Store) OlmByID(ctx context.Context, id string) (Olm, error) {
	var o Olm
	err := s.db.QueryRowContext(ctx, `SELECT id FROM olms WHERE id = ?`, id).Scan(&o.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Olm{}, ErrNotFound
		}
		return Olm{}, fmt.Errorf("select olm: %w", err)
	}
	return o, nil
}

type Client struct {
	ID     string
	OlmID  string
	PubKey string
}

func (s *Store) CreateClient(ctx context.Context, olmID, pubKey string) (Client, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO clients (id, olm_id, pub_key) VALUES (?, ?, ?)`, id, olmID, pubKey)
	if err != nil {
		return Client{}, fmt.Errorf("insert client: %w", err)
	}
	return Client{ID: id, OlmID: olmID, PubKey: pubKey}, nil
}

func (s *Store) AssociateClientSite(ctx context.Context, clientID, siteID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO client_site_associations (client_id, site_id) VALUES (?, ?)
	`, clientID, siteID)
	if err != nil {
		return fmt.Errorf("insert client site association: %w", err)
	}
	return nil
}

// ClientsForOlm returns the Clients owned by olmID, sorted by id.
func (s *Store) ClientsForOlm(ctx context.Context, olmID string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, olm_id, pub_key FROM clients WHERE olm_id = ? ORDER BY id`, olmID)
	if err != nil {
		return nil, fmt.Errorf("list clients for olm: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.OlmID, &c.PubKey); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SitesForClient returns the distinct siteIds associated with clientID,
// sorted ascending.
func (s *Store) SitesForClient(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id FROM client_site_associations WHERE client_id = ? ORDER BY site_id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list sites for client: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client site: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OlmsAssociatedWithSites returns the distinct Olms whose clients
// associate with any of siteIDs. Iterates siteIDs one query at a time
// rather than building a dynamic IN (...) clause; deliberate, not an
// oversight.
func (s *Store) OlmsAssociatedWithSites(ctx context.Context, siteIDs []string) ([]Olm, error) {
	seen := make(map[string]struct{})
	var out []Olm
	for _, siteID := range siteIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT c.olm_id
			FROM client_site_associations csa
			JOIN clients c ON c.id = csa.client_id
			WHERE csa.site_id = ?
		`, siteID)
		if err != nil {
			return nil, fmt.Errorf("list olms for site: %w", err)
		}
		for rows.Next() {
			var olmID string
			if err := rows.Scan(&olmID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan olm: %w", err)
			}
			if _, ok := seen[olmID]; ok {
				continue
			}
			seen[olmID] = struct{}{}
			out = append(out, Olm{ID: olmID})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- ExitNode ---------------------------------------------------------------

type ExitNode struct {
	ID        string
	PublicKey string
	Endpoint  string
}

func (s *Store) CreateExitNode(ctx context.Context, publicKey, endpoint string) (ExitNode, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exit_nodes (id, public_key, endpoint) VALUES (?, ?, ?)
	`, id, publicKey, endpoint)
	if err != nil {
		return ExitNode{}, fmt.Errorf("insert exit node: %w", err)
	}
	return ExitNode{ID: id, PublicKey: publicKey, Endpoint: endpoint}, nil
}

func (s *Store) ExitNodeByID(ctx context.Context, id string) (ExitNode, error) {
	var n ExitNode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, endpoint FROM exit_nodes WHERE id = ?
	`, id).Scan(&n.ID, &n.PublicKey, &n.Endpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExitNode{}, ErrNotFound
		}
		return ExitNode{}, fmt.Errorf("select exit node: %w", err)
	}
	return n, nil
}

// SiteIDsByExitNode groups siteIDs by exitNodeId for the Olm-sync
// payload's exitNodes[].siteIds.
func (s *Store) SiteIDsByExitNode(ctx context.Context, siteIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, siteID := range siteIDs {
		site, err := s.SiteByID(ctx, siteID)
		if err != nil {
			return nil, err
		}
		if !site.ExitNodeID.Valid {
			continue
		}
		out[site.ExitNodeID.String] = append(out[site.ExitNodeID.String], siteID)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out, nil
}

// -- Session / User ---------------------------------------------------------

type User struct {
	ID    string
	Email string
}

// CreateUser inserts a user row. The auth flow that normally creates
// users is out of scope; this exists so session validation
// has rows to validate against.
func (s *Store) CreateUser(ctx context.Context, id, email string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email) VALUES (?, ?)`, id, email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, email FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

type Session struct {
	ID           string
	SessionToken string
	UserID       string
	ExpiresAt    time.Time
}

// CreateSession inserts a session row. Sessions are normally created
// by the out-of-scope auth flow
// and consumed read-only here.
func (s *Store) CreateSession(ctx context.Context, id, token, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_token, user_id, expires_at) VALUES (?, ?, ?, ?)
	`, id, token, userID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionByToken looks up a non-expired session by its token.
func (s *Store) SessionByToken(ctx context.Context, token string, now time.Time) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_token, user_id, expires_at
		FROM sessions WHERE session_token = ? AND expires_at > ?
	`, token, now.UTC()).Scan(&sess.ID, &sess.SessionToken, &sess.UserID, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
