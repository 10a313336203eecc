// Package bootstrap is C6 part A: on every agent (re)connect it
// rebuilds that agent's current view from persistent state and pushes
// a bootstrap message.
package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/store"
)

// DnsReconciler is the subset of the DNS-authority reconciler the
// bootstrap path drives.
type DnsReconciler interface {
	UpdateDnsAuthorityForResource(ctx context.Context, resourceID string) error
	SendDnsAuthorityZonesToOlm(ctx context.Context, olmID, clientID string) error
}

// AuthProxyReconciler is the subset of the auth-proxy reconciler the
// bootstrap path drives.
type AuthProxyReconciler interface {
	UpdateAuthProxyForSite(ctx context.Context, siteID string) error
}

// SiteConfig is the per-site shape carried in an olm/sync payload. The
// agent-side tunnel/resolver configuration beyond this is out of
// scope: this is the minimal view a local resolver needs to know which
// sites it is peering with.
type SiteConfig struct {
	SiteID              string `json:"siteId"`
	NiceID              string `json:"niceId"`
	Name                string `json:"name"`
	PublicIP            string `json:"publicIp,omitempty"`
	DnsAuthorityEnabled bool   `json:"dnsAuthorityEnabled"`
}

// ExitNodeConfig is one entry of an olm/sync payload's exitNodes[].
type ExitNodeConfig struct {
	PublicKey string   `json:"publicKey"`
	RelayPort int      `json:"relayPort"`
	Endpoint  string   `json:"endpoint"`
	SiteIDs   []string `json:"siteIds"`
}

type olmSyncPayload struct {
	Sites     []SiteConfig     `json:"sites"`
	ExitNodes []ExitNodeConfig `json:"exitNodes"`
}

// Bootstrapper wires C2's onConnect callback to the sync path.
type Bootstrapper struct {
	store     *store.Store
	bus       *bus.Bus
	dns       DnsReconciler
	authProxy AuthProxyReconciler
	relayPort int
	log       *logrus.Entry
}

type Config struct {
	Store                  *store.Store
	Bus                    *bus.Bus
	Dns                    DnsReconciler
	AuthProxy              AuthProxyReconciler
	GerbilClientsStartPort int
	Logger                 *logrus.Entry
}

func New(cfg Config) *Bootstrapper {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bootstrapper{
		store:     cfg.Store,
		bus:       cfg.Bus,
		dns:       cfg.Dns,
		authProxy: cfg.AuthProxy,
		relayPort: cfg.GerbilClientsStartPort,
		log:       log.WithField("component", "bootstrap"),
	}
}

// Register binds this Bootstrapper to b's onConnect hook. agentID is taken to equal the Newt's or Olm's own
// ID, matching how the agent identifies itself on connect.
func (bs *Bootstrapper) Register(b *bus.Bus) {
	b.OnConnect(func(kind bus.AgentKind, agentID string) {
		ctx := context.Background()
		switch kind {
		case bus.Newt:
			bs.onNewtConnect(ctx, agentID)
		case bus.Olm:
			bs.onOlmConnect(ctx, agentID)
		}
	})
}

// onNewtConnect rebuilds and pushes everything this Newt's site needs:
// auth-proxy config and a resync of every DNS-authority resource the
// site hosts. The tunnel-config push itself is out of scope here.
func (bs *Bootstrapper) onNewtConnect(ctx context.Context, newtID string) {
	newt, err := bs.store.NewtByID(ctx, newtID)
	if err != nil {
		bs.log.WithField("newtId", newtID).WithError(err).Debug("newt connect: unknown newt, skipping bootstrap")
		return
	}

	if bs.authProxy != nil {
		if err := bs.authProxy.UpdateAuthProxyForSite(ctx, newt.SiteID); err != nil {
			bs.log.WithField("siteId", newt.SiteID).WithError(err).Warn("newt connect: auth-proxy push failed, will resync on next reconnect")
		}
	}

	if bs.dns == nil {
		return
	}
	resourceIDs, err := bs.store.ResourceIDsForSite(ctx, newt.SiteID)
	if err != nil {
		bs.log.WithField("siteId", newt.SiteID).WithError(err).Warn("newt connect: resource lookup failed")
		return
	}
	for _, resourceID := range resourceIDs {
		if err := bs.dns.UpdateDnsAuthorityForResource(ctx, resourceID); err != nil {
			bs.log.WithField("resourceId", resourceID).WithError(err).Warn("newt connect: dns authority resync failed, will resync on next reconnect")
		}
	}
}

// onOlmConnect computes the Olm's current site set via every client
// it owns, pushes an olm/sync payload, then pushes the union of zones
// those sites should serve. A failure of either push is
// logged and swallowed.
func (bs *Bootstrapper) onOlmConnect(ctx context.Context, olmID string) {
	clients, err := bs.store.ClientsForOlm(ctx, olmID)
	if err != nil {
		bs.log.WithField("olmId", olmID).WithError(err).Warn("olm connect: client lookup failed")
		return
	}

	siteSet := make(map[string]struct{})
	var siteIDs []string
	for _, c := range clients {
		ids, err := bs.store.SitesForClient(ctx, c.ID)
		if err != nil {
			bs.log.WithField("clientId", c.ID).WithError(err).Warn("olm connect: site lookup failed for client")
			continue
		}
		for _, id := range ids {
			if _, ok := siteSet[id]; ok {
				continue
			}
			siteSet[id] = struct{}{}
			siteIDs = append(siteIDs, id)
		}
	}
	sort.Strings(siteIDs)

	if err := bs.pushSync(ctx, olmID, siteIDs); err != nil {
		bs.log.WithField("olmId", olmID).WithError(err).Warn("olm connect: sync push failed, will resync on next reconnect")
	}

	if bs.dns == nil {
		return
	}
	for _, c := range clients {
		if err := bs.dns.SendDnsAuthorityZonesToOlm(ctx, olmID, c.ID); err != nil {
			bs.log.WithFields(logrus.Fields{"olmId": olmID, "clientId": c.ID}).WithError(err).
				Warn("olm connect: zone bootstrap failed, will resync on next reconnect")
		}
	}
}

func (bs *Bootstrapper) pushSync(ctx context.Context, olmID string, siteIDs []string) error {
	var sites []SiteConfig
	for _, siteID := range siteIDs {
		site, err := bs.store.SiteByID(ctx, siteID)
		if err != nil {
			return fmt.Errorf("load site %s: %w", siteID, err)
		}
		sites = append(sites, SiteConfig{
			SiteID:              site.ID,
			NiceID:              site.NiceID,
			Name:                site.Name,
			PublicIP:            site.PublicIP.String,
			DnsAuthorityEnabled: site.DnsAuthorityEnabled,
		})
	}

	exitNodeSites, err := bs.store.SiteIDsByExitNode(ctx, siteIDs)
	if err != nil {
		return fmt.Errorf("group sites by exit node: %w", err)
	}
	exitNodeIDs := make([]string, 0, len(exitNodeSites))
	for id := range exitNodeSites {
		exitNodeIDs = append(exitNodeIDs, id)
	}
	sort.Strings(exitNodeIDs)

	var exitNodes []ExitNodeConfig
	for _, exitNodeID := range exitNodeIDs {
		en, err := bs.store.ExitNodeByID(ctx, exitNodeID)
		if err != nil {
			return fmt.Errorf("load exit node %s: %w", exitNodeID, err)
		}
		exitNodes = append(exitNodes, ExitNodeConfig{
			PublicKey: en.PublicKey,
			RelayPort: bs.relayPort,
			Endpoint:  en.Endpoint,
			SiteIDs:   exitNodeSites[exitNodeID],
		})
	}

	res := bs.bus.Send(olmID, bus.Message{Type: "olm/sync", Data: olmSyncPayload{Sites: sites, ExitNodes: exitNodes}})
	if res == bus.SendDropped {
		bs.log.WithField("olmId", olmID).Debug("olm sync dropped, will resync on reconnect")
	}
	return nil
}
