// Package authproxy is the C4 reconciler: it builds per-site
// auth-proxy configuration (global auth parameters plus per-resource
// policy) and pushes it to the Newt managing that site.
package authproxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/sessionauth"
	"github.com/mattv8/pangolin/internal/store"
)

// AuthConfig carries the global authentication parameters Newt needs
// to gate requests without a controller round-trip.
type AuthConfig struct {
	Enabled              bool   `json:"enabled"`
	PangolinURL          string `json:"pangolinUrl"`
	JwtPublicKey         string `json:"jwtPublicKey"`
	CookieName           string `json:"cookieName"`
	CookieDomain         string `json:"cookieDomain"`
	SessionValidationURL string `json:"sessionValidationUrl"`
}

// ResourceAuthConfig is the per-resource policy within an auth-proxy
// push.
type ResourceAuthConfig struct {
	ResourceID            string   `json:"resourceId"`
	Domain                string   `json:"domain"`
	SSO                   bool     `json:"sso"`
	BlockAccess           bool     `json:"blockAccess"`
	EmailWhitelistEnabled bool     `json:"emailWhitelistEnabled"`
	AllowedEmails         []string `json:"allowedEmails,omitempty"`
	TargetURL             string   `json:"targetUrl"`
	SSL                   bool     `json:"ssl"`
}

type authProxyPayload struct {
	Action    string               `json:"action"`
	Auth      AuthConfig           `json:"auth"`
	Resources []ResourceAuthConfig `json:"resources"`
}

const cookieName = "p_session"

// Reconciler builds and dispatches auth-proxy configs.
type Reconciler struct {
	store        *store.Store
	bus          *bus.Bus
	keypair      *sessionauth.Keypair
	dashboardURL string
	serverSecret string // reserved: read from config but currently unused on the wire
	log          *logrus.Entry
}

type Config struct {
	Store        *store.Store
	Bus          *bus.Bus
	Keypair      *sessionauth.Keypair
	DashboardURL string
	ServerSecret string
	Logger       *logrus.Entry
}

func New(cfg Config) *Reconciler {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		store:        cfg.Store,
		bus:          cfg.Bus,
		keypair:      cfg.Keypair,
		dashboardURL: cfg.DashboardURL,
		serverSecret: cfg.ServerSecret,
		log:          log.WithField("component", "authproxy"),
	}
}

// UpdateAuthProxyForSite rebuilds and dispatches the auth-proxy config
// for siteID.
func (r *Reconciler) UpdateAuthProxyForSite(ctx context.Context, siteID string) error {
	site, err := r.store.SiteByID(ctx, siteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load site: %w", err)
	}

	rows, err := r.store.SiteEnabledTargetsWithResource(ctx, siteID)
	if err != nil {
		return fmt.Errorf("load site targets: %w", err)
	}

	var resources []ResourceAuthConfig
	seen := make(map[string]struct{})
	for _, row := range rows {
		res := row.Resource
		if !res.DnsAuthorityEnabled || !(res.SSO || res.BlockAccess || res.EmailWhitelistEnabled) {
			continue
		}
		if _, ok := seen[res.ID]; ok {
			continue
		}
		seen[res.ID] = struct{}{}

		var domain string
		if res.FullDomain.Valid {
			domain = res.FullDomain.String
		}

		var allowed []string
		if res.EmailWhitelistEnabled {
			allowed, err = r.store.ResourceWhitelist(ctx, res.ID)
			if err != nil {
				return fmt.Errorf("load whitelist for resource %s: %w", res.ID, err)
			}
		}

		scheme := "http"
		if row.Target.SSL {
			scheme = "https"
		}
		resources = append(resources, ResourceAuthConfig{
			ResourceID:            res.ID,
			Domain:                domain,
			SSO:                   res.SSO,
			BlockAccess:           res.BlockAccess,
			EmailWhitelistEnabled: res.EmailWhitelistEnabled,
			AllowedEmails:         allowed,
			TargetURL:             fmt.Sprintf("%s://%s:%d", scheme, row.Target.IP, row.Target.Port),
			SSL:                   row.Target.SSL,
		})
	}

	if len(resources) == 0 {
		return nil
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ResourceID < resources[j].ResourceID })

	auth, err := r.buildAuthConfig()
	if err != nil {
		r.log.WithError(err).Warn("skipping auth-proxy push: could not build auth config")
		return nil
	}

	newts, err := r.store.NewtsForSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("newts for site: %w", err)
	}
	_ = site // site is loaded to confirm existence and for future org-scoped fields
	for _, n := range newts {
		res := r.bus.Send(n.ID, bus.Message{Type: "newt/auth/proxy/config", Data: authProxyPayload{
			Action:    "update",
			Auth:      auth,
			Resources: resources,
		}})
		if res == bus.SendDropped {
			r.log.WithField("newtId", n.ID).Debug("auth-proxy update dropped, will resync on reconnect")
		}
	}
	return nil
}

// UpdateAuthProxyForResource rebuilds auth-proxy config for every site
// hosting an enabled target of resourceID.
func (r *Reconciler) UpdateAuthProxyForResource(ctx context.Context, resourceID string) error {
	siteIDs, err := r.store.ResourceSiteIDs(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("sites for resource: %w", err)
	}
	for _, siteID := range siteIDs {
		if err := r.UpdateAuthProxyForSite(ctx, siteID); err != nil {
			return fmt.Errorf("update site %s: %w", siteID, err)
		}
	}
	return nil
}

// buildAuthConfig assembles the global AuthConfig. Returns an error if
// the dashboard URL is missing or malformed; the caller skips the push
// and logs at warn rather than propagating the error further.
func (r *Reconciler) buildAuthConfig() (AuthConfig, error) {
	if r.dashboardURL == "" {
		return AuthConfig{}, fmt.Errorf("dashboard url not configured")
	}
	u, err := url.Parse(r.dashboardURL)
	if err != nil || u.Host == "" {
		return AuthConfig{}, fmt.Errorf("invalid dashboard url %q", r.dashboardURL)
	}

	return AuthConfig{
		Enabled:              true,
		PangolinURL:          r.dashboardURL,
		JwtPublicKey:         r.keypair.PublicPEM(),
		CookieName:           cookieName,
		CookieDomain:         cookieDomain(u.Hostname()),
		SessionValidationURL: strings.TrimRight(r.dashboardURL, "/") + "/api/v1/auth/session/validate",
	}, nil
}

// cookieDomain returns "." + the last two labels of host, or the bare
// host when it carries only one label.
func cookieDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 1 {
		return host
	}
	return "." + strings.Join(labels[len(labels)-2:], ".")
}
