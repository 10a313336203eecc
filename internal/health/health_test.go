package health

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mattv8/pangolin/internal/store"
)

type fakeReconciler struct {
	calls [][]string
}

func (f *fakeReconciler) OnHealthCheckUpdate(_ context.Context, targetIDs []string) error {
	f.calls = append(f.calls, targetIDs)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func statusPayloadFor(targetID, status string) json.RawMessage {
	raw, _ := json.Marshal(statusPayload{Targets: map[string]TargetStatus{targetID: {Status: status}}})
	return raw
}

func TestHandleAppliesHealthyStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1"})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{OrgID: org.ID, Name: "r1"})
	require.NoError(t, err)
	target, err := st.CreateTarget(ctx, store.CreateTargetParams{ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.1", Port: 80, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, st.SetHealthCheckEnabled(ctx, target.ID, true))

	dns := &fakeReconciler{}
	ing := New(st, dns, nil)

	siteForAgent := func(agentID string) (string, bool) {
		if agentID == newt.ID {
			return site.ID, true
		}
		return "", false
	}

	ing.Handle(ctx, newt.ID, siteForAgent, statusPayloadFor(target.ID, "healthy"))

	h, err := st.TargetHealthByID(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.HcHealth)
	require.Len(t, dns.calls, 1)
	require.Equal(t, []string{target.ID}, dns.calls[0])
}

// S3 — cross-tenant health rejection.
func TestHandleRejectsCrossTenantReport(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	s1, err := st.CreateSite(ctx, store.CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1"})
	require.NoError(t, err)
	s2, err := st.CreateSite(ctx, store.CreateSiteParams{OrgID: org.ID, NiceID: "s2", Name: "s2"})
	require.NoError(t, err)
	newtS1, err := st.CreateNewt(ctx, s1.ID)
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{OrgID: org.ID, Name: "r1"})
	require.NoError(t, err)
	// t99 belongs to s2, but the report comes from the newt bound to s1.
	target, err := st.CreateTarget(ctx, store.CreateTargetParams{ResourceID: res.ID, SiteID: s2.ID, IP: "10.0.0.2", Port: 80, Enabled: true})
	require.NoError(t, err)

	before, err := st.TargetHealthByID(ctx, target.ID)
	require.NoError(t, err)

	dns := &fakeReconciler{}
	ing := New(st, dns, nil)
	siteForAgent := func(agentID string) (string, bool) {
		if agentID == newtS1.ID {
			return s1.ID, true
		}
		return "", false
	}

	ing.Handle(ctx, newtS1.ID, siteForAgent, statusPayloadFor(target.ID, "unhealthy"))

	after, err := st.TargetHealthByID(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, before.HcHealth, after.HcHealth)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.Empty(t, dns.calls)
}

func TestHandleRejectsMalformedTargetID(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1"})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)

	dns := &fakeReconciler{}
	ing := New(st, dns, nil)
	siteForAgent := func(agentID string) (string, bool) { return site.ID, true }

	ing.Handle(ctx, newt.ID, siteForAgent, statusPayloadFor("not-a-uuid", "healthy"))

	require.Empty(t, dns.calls)
}

func TestHandleDropsReportFromUnboundNewt(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dns := &fakeReconciler{}
	ing := New(st, dns, nil)

	siteForAgent := func(agentID string) (string, bool) { return "", false }
	ing.Handle(ctx, "unknown-newt", siteForAgent, statusPayloadFor(uuid.NewString(), "healthy"))

	require.Empty(t, dns.calls)
}
