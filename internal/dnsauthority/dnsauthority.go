// Package dnsauthority is the C3 reconciler: it derives per-resource
// DNS zone configuration from the relational state and fans the
// result out to every Newt and Olm that must carry it.
package dnsauthority

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/store"
)

// ZoneTarget is one DNS answer candidate within a ZoneConfig. IP is
// always the site's public IP, never the target's internal IP.
type ZoneTarget struct {
	IP       string `json:"ip"`
	Priority int    `json:"priority"`
	Healthy  bool   `json:"healthy"`
	SiteID   string `json:"siteId"`
	SiteName string `json:"siteName"`
}

// ZoneConfig is the minimum state an agent needs to answer DNS for one
// resource's fullDomain. For a "remove" action only Domain is
// populated; the remaining fields are omitted on the wire.
type ZoneConfig struct {
	Enabled       bool         `json:"enabled,omitempty"`
	Domain        string       `json:"domain"`
	TTL           int          `json:"ttl,omitempty"`
	RoutingPolicy string       `json:"routingPolicy,omitempty"`
	Targets       []ZoneTarget `json:"targets,omitempty"`
}

type zonePayload struct {
	Action string       `json:"action"`
	Zones  []ZoneConfig `json:"zones"`
}

// Reconciler builds and dispatches DNS-authority zone configs. It is
// a stateless transformer over the store: correctness comes
// from re-running it whenever state that feeds it changes, not from
// any internal bookkeeping.
type Reconciler struct {
	store *store.Store
	bus   *bus.Bus
	log   *logrus.Entry
}

func New(st *store.Store, b *bus.Bus, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{store: st, bus: b, log: log.WithField("component", "dnsauthority")}
}

// buildZone computes the zone config for resourceID along with two
// site-ID sets: retainedSiteIDs (sites that pass every current filter,
// i.e. today's recipient set) and allSiteIDs (every site that currently
// hosts a target of this resource, enabled or not, used as the
// best-effort recipient set when removing a zone). The zone is nil when
// the resource has DNS authority disabled or no target passes the
// filters.
func (r *Reconciler) buildZone(ctx context.Context, resourceID string) (zone *ZoneConfig, fullDomain string, retainedSiteIDs, allSiteIDs []string, err error) {
	res, err := r.store.ResourceByID(ctx, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", nil, nil, nil
		}
		return nil, "", nil, nil, fmt.Errorf("load resource: %w", err)
	}
	if res.FullDomain.Valid {
		fullDomain = res.FullDomain.String
	}
	if !res.DnsAuthorityEnabled || fullDomain == "" {
		return nil, fullDomain, nil, nil, nil
	}

	rows, err := r.store.ResourceTargetsWithSiteHealth(ctx, resourceID)
	if err != nil {
		return nil, fullDomain, nil, nil, fmt.Errorf("load resource targets: %w", err)
	}

	allSet := make(map[string]struct{})
	retainedSet := make(map[string]struct{})
	var targets []ZoneTarget
	for _, row := range rows {
		allSet[row.Target.SiteID] = struct{}{}
		if !res.DnsAuthorityEnabled || !row.Target.Enabled || !row.SiteDnsOK || !row.SitePublic.Valid {
			continue
		}
		retainedSet[row.Target.SiteID] = struct{}{}

		priority := row.Target.Priority
		if priority == 0 {
			priority = 100
		}
		healthy := true
		if row.Health.HcEnabled {
			healthy = row.Health.HcHealth == "healthy"
		}
		targets = append(targets, ZoneTarget{
			IP:       row.SitePublic.String,
			Priority: priority,
			Healthy:  healthy,
			SiteID:   row.Target.SiteID,
			SiteName: row.SiteName,
		})
	}

	allSiteIDs = setToSortedSlice(allSet)
	retainedSiteIDs = setToSortedSlice(retainedSet)

	if len(targets) == 0 {
		return nil, fullDomain, retainedSiteIDs, allSiteIDs, nil
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].SiteID < targets[j].SiteID
	})

	ttl := res.DnsAuthorityTTL
	if ttl == 0 {
		ttl = 60
	}
	policy := res.DnsAuthorityRoutingPolicy
	if policy == "" {
		policy = "failover"
	}

	return &ZoneConfig{
		Enabled:       true,
		Domain:        fullDomain,
		TTL:           ttl,
		RoutingPolicy: policy,
		Targets:       targets,
	}, fullDomain, retainedSiteIDs, allSiteIDs, nil
}

// recipients returns the Newt agent IDs and Olm agent IDs that must
// receive an update for sites siteIDs.
func (r *Reconciler) recipients(ctx context.Context, siteIDs []string) (newtIDs, olmIDs []string, err error) {
	seenNewt := make(map[string]struct{})
	for _, siteID := range siteIDs {
		newts, err := r.store.NewtsForSite(ctx, siteID)
		if err != nil {
			return nil, nil, fmt.Errorf("newts for site %s: %w", siteID, err)
		}
		for _, n := range newts {
			if _, ok := seenNewt[n.ID]; ok {
				continue
			}
			seenNewt[n.ID] = struct{}{}
			newtIDs = append(newtIDs, n.ID)
		}
	}
	sort.Strings(newtIDs)

	olms, err := r.store.OlmsAssociatedWithSites(ctx, siteIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("olms for sites: %w", err)
	}
	for _, o := range olms {
		olmIDs = append(olmIDs, o.ID)
	}
	return newtIDs, olmIDs, nil
}

// UpdateDnsAuthorityForResource rebuilds the zone config for resourceID
// and dispatches it (update or remove) to its current recipient set.
// Idempotent: two back-to-back calls without an intervening state
// change produce byte-identical messages.
func (r *Reconciler) UpdateDnsAuthorityForResource(ctx context.Context, resourceID string) error {
	zone, fullDomain, retainedSiteIDs, allSiteIDs, err := r.buildZone(ctx, resourceID)
	if err != nil {
		return err
	}

	if zone != nil {
		newtIDs, olmIDs, err := r.recipients(ctx, retainedSiteIDs)
		if err != nil {
			return err
		}
		r.dispatch(newtIDs, olmIDs, zonePayload{Action: "update", Zones: []ZoneConfig{*zone}})
		return nil
	}

	if fullDomain == "" {
		return nil
	}

	// Best-effort: the resource or its sites may already be detached,
	// so fall back to every site that still hosts a target of this
	// resource, enabled or not.
	newtIDs, olmIDs, err := r.recipients(ctx, allSiteIDs)
	if err != nil {
		return err
	}
	r.dispatch(newtIDs, olmIDs, zonePayload{Action: "remove", Zones: []ZoneConfig{{Domain: fullDomain}}})
	return nil
}

func (r *Reconciler) dispatch(newtIDs, olmIDs []string, payload zonePayload) {
	for _, id := range newtIDs {
		res := r.bus.Send(id, bus.Message{Type: "newt/dns/authority/config", Data: payload})
		if res == bus.SendDropped {
			r.log.WithFields(logrus.Fields{"newtId": id, "action": payload.Action}).Debug("dns authority update dropped, will resync on reconnect")
		}
	}
	for _, id := range olmIDs {
		res := r.bus.Send(id, bus.Message{Type: "olm/dns/authority/config", Data: payload})
		if res == bus.SendDropped {
			r.log.WithFields(logrus.Fields{"olmId": id, "action": payload.Action}).Debug("dns authority update dropped, will resync on reconnect")
		}
	}
}

// SendDnsAuthorityZonesToOlm bootstraps olmID with every zone the
// sites associated with clientID should serve.
func (r *Reconciler) SendDnsAuthorityZonesToOlm(ctx context.Context, olmID, clientID string) error {
	siteIDs, err := r.store.SitesForClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("sites for client: %w", err)
	}

	resourceSet := make(map[string]struct{})
	var resourceIDs []string
	for _, siteID := range siteIDs {
		ids, err := r.store.ResourceIDsForSite(ctx, siteID)
		if err != nil {
			return fmt.Errorf("resources for site %s: %w", siteID, err)
		}
		for _, id := range ids {
			if _, ok := resourceSet[id]; ok {
				continue
			}
			resourceSet[id] = struct{}{}
			resourceIDs = append(resourceIDs, id)
		}
	}
	sort.Strings(resourceIDs)

	var zones []ZoneConfig
	for _, resourceID := range resourceIDs {
		zone, _, _, _, err := r.buildZone(ctx, resourceID)
		if err != nil {
			return fmt.Errorf("build zone for resource %s: %w", resourceID, err)
		}
		if zone != nil {
			zones = append(zones, *zone)
		}
	}

	res := r.bus.Send(olmID, bus.Message{Type: "olm/dns/authority/config", Data: zonePayload{Action: "update", Zones: zones}})
	if res == bus.SendDropped {
		r.log.WithField("olmId", olmID).Debug("olm zone bootstrap dropped, will resync on reconnect")
	}
	return nil
}

// OnHealthCheckUpdate collapses targetIDs to the unique set of
// DNS-authority-enabled resources they belong to and re-runs
// UpdateDnsAuthorityForResource for each.
func (r *Reconciler) OnHealthCheckUpdate(ctx context.Context, targetIDs []string) error {
	resourceIDs, err := r.store.ResourceIDsForTargets(ctx, targetIDs)
	if err != nil {
		return fmt.Errorf("resources for targets: %w", err)
	}

	for _, resourceID := range resourceIDs {
		res, err := r.store.ResourceByID(ctx, resourceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load resource %s: %w", resourceID, err)
		}
		if !res.DnsAuthorityEnabled {
			continue
		}
		if err := r.UpdateDnsAuthorityForResource(ctx, resourceID); err != nil {
			return fmt.Errorf("update resource %s: %w", resourceID, err)
		}
	}
	return nil
}

func setToSortedSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
