// Package health is the C5 ingestor: it handles inbound
// healthcheck/status messages from Newt agents, enforces the
// per-target tenancy check, persists reported status, and triggers
// the DNS-authority reconciler for affected resources.
package health

import (
	"context"
	"time"

	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/store"
)

// Reconciler is the interface health ingestion triggers once its
// batch is persisted. dnsauthority.Reconciler satisfies this.
type Reconciler interface {
	OnHealthCheckUpdate(ctx context.Context, targetIDs []string) error
}

// TargetStatus is one entry of an inbound healthcheck/status payload.
type TargetStatus struct {
	Status     string          `json:"status"`
	LastCheck  string          `json:"lastCheck,omitempty"`
	CheckCount int             `json:"checkCount,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

type statusPayload struct {
	Targets map[string]TargetStatus `json:"targets"`
}

// Ingestor binds the inbound healthcheck/status handler to the store
// and the DNS-authority reconciler it triggers.
type Ingestor struct {
	store *store.Store
	dns   Reconciler
	log   *logrus.Entry
}

func New(st *store.Store, dns Reconciler, log *logrus.Entry) *Ingestor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingestor{store: st, dns: dns, log: log.WithField("component", "health")}
}

// Register binds the handler on b for the "healthcheck/status" type.
// siteForAgent resolves the reporting Newt's agent ID to its bound site.
func (ing *Ingestor) Register(b *bus.Bus, siteForAgent func(agentID string) (siteID string, ok bool)) {
	b.Register("healthcheck/status", func(agentID string, kind bus.AgentKind, payload json.RawMessage) {
		ing.Handle(context.Background(), agentID, siteForAgent, payload)
	})
}

// Handle processes one healthcheck/status message. Failures never
// propagate to the agent; they are logged with counts.
func (ing *Ingestor) Handle(ctx context.Context, newtAgentID string, siteForAgent func(agentID string) (string, bool), raw json.RawMessage) {
	var payload statusPayload
	if err := bus.DecodePayload(raw, &payload); err != nil {
		ing.log.WithField("newtId", newtAgentID).WithError(err).Warn("malformed healthcheck/status payload")
		return
	}

	newtSiteID, ok := siteForAgent(newtAgentID)
	if !ok {
		ing.log.WithField("newtId", newtAgentID).Warn("healthcheck/status from unbound newt, dropped")
		return
	}

	var batch []string
	var errCount int
	now := time.Now()
	for rawTargetID, ts := range payload.Targets {
		// Target IDs are store-assigned UUIDs, so well-formedness
		// is checked that way rather than as an integer (see DESIGN.md).
		if _, err := uuid.Parse(rawTargetID); err != nil {
			errCount++
			continue
		}
		if err := ing.applyOne(ctx, newtSiteID, rawTargetID, ts.Status, now); err != nil {
			errCount++
			continue
		}
		batch = append(batch, rawTargetID)
	}

	if errCount > 0 {
		ing.log.WithFields(logrus.Fields{"newtId": newtAgentID, "errors": errCount, "ok": len(batch)}).
			Warn("healthcheck/status batch had rejected entries")
	}

	if len(batch) > 0 && ing.dns != nil {
		if err := ing.dns.OnHealthCheckUpdate(ctx, batch); err != nil {
			ing.log.WithError(err).Warn("dns authority update after health batch failed")
		}
	}
}

// applyOne enforces the tenancy check and updates TargetHealth.hcHealth.
func (ing *Ingestor) applyOne(ctx context.Context, newtSiteID, targetID, status string, at time.Time) error {
	targetSiteID, err := ing.store.TargetSite(ctx, targetID)
	if err != nil {
		return err
	}
	if targetSiteID != newtSiteID {
		ing.log.WithFields(logrus.Fields{"targetId": targetID, "targetSiteId": targetSiteID, "newtSiteId": newtSiteID}).
			Warn("cross-tenant health report rejected")
		return errForeignTenant
	}
	return ing.store.SetTargetHealth(ctx, targetID, status, at)
}

var errForeignTenant = &tenancyError{}

type tenancyError struct{}

func (*tenancyError) Error() string { return "health: target belongs to a different site" }
