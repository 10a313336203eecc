package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestCreateSiteRequiresPublicIPWhenDnsAuthorityEnabled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)

	_, err = st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1", DnsAuthorityEnabled: true})
	require.Error(t, err)
}

func TestCreateResourceValidatesTtlAndPolicy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)

	_, err = st.CreateResource(ctx, CreateResourceParams{OrgID: org.ID, Name: "r1", DnsAuthorityTTL: 5})
	require.Error(t, err)

	_, err = st.CreateResource(ctx, CreateResourceParams{OrgID: org.ID, Name: "r1", DnsAuthorityRoutingPolicy: "bogus"})
	require.Error(t, err)

	res, err := st.CreateResource(ctx, CreateResourceParams{OrgID: org.ID, Name: "r1"})
	require.NoError(t, err)
	require.Equal(t, 60, res.DnsAuthorityTTL)
	require.Equal(t, "failover", res.DnsAuthorityRoutingPolicy)
}

func TestCreateTargetAlsoCreatesHealthRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1"})
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, CreateResourceParams{OrgID: org.ID, Name: "r1"})
	require.NoError(t, err)

	target, err := st.CreateTarget(ctx, CreateTargetParams{ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.1", Port: 80})
	require.NoError(t, err)

	h, err := st.TargetHealthByID(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, target.ID, h.TargetID)
	require.False(t, h.HcEnabled)
	require.Equal(t, "unknown", h.HcHealth)
}

func TestSetTargetHealthRequiresExistingTarget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	err := st.SetTargetHealth(ctx, "does-not-exist", "healthy", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResourceWhitelistRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, CreateResourceParams{OrgID: org.ID, Name: "r1", EmailWhitelistEnabled: true})
	require.NoError(t, err)

	require.NoError(t, st.AddResourceWhitelistEmail(ctx, res.ID, "a@x.com"))
	require.NoError(t, st.AddResourceWhitelistEmail(ctx, res.ID, "b@x.com"))

	emails, err := st.ResourceWhitelist(ctx, res.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, emails)
}

func TestOlmsAssociatedWithSitesDeduplicatesAcrossSites(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	s1, err := st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1"})
	require.NoError(t, err)
	s2, err := st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s2", Name: "s2"})
	require.NoError(t, err)

	olm, err := st.CreateOlm(ctx)
	require.NoError(t, err)
	client, err := st.CreateClient(ctx, olm.ID, "pubkey")
	require.NoError(t, err)
	require.NoError(t, st.AssociateClientSite(ctx, client.ID, s1.ID))
	require.NoError(t, st.AssociateClientSite(ctx, client.ID, s2.ID))

	olms, err := st.OlmsAssociatedWithSites(ctx, []string{s1.ID, s2.ID})
	require.NoError(t, err)
	require.Len(t, olms, 1)
	require.Equal(t, olm.ID, olms[0].ID)
}

func TestSiteIDsByExitNodeGroupsSitesBehindSharedExitNode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	en, err := st.CreateExitNode(ctx, "pubkey", "exit.example.com:51820")
	require.NoError(t, err)
	s1, err := st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s1", Name: "s1", ExitNodeID: en.ID})
	require.NoError(t, err)
	s2, err := st.CreateSite(ctx, CreateSiteParams{OrgID: org.ID, NiceID: "s2", Name: "s2", ExitNodeID: en.ID})
	require.NoError(t, err)

	grouped, err := st.SiteIDsByExitNode(ctx, []string{s1.ID, s2.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{s1.ID, s2.ID}, grouped[en.ID])
}

func TestSessionByTokenRejectsExpired(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.CreateUser(ctx, "u1", "a@x"))
	require.NoError(t, st.CreateSession(ctx, "sess1", "abc", "u1", time.Now().Add(-time.Minute)))

	_, err := st.SessionByToken(ctx, "abc", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}
