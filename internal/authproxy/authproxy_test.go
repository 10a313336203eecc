package authproxy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/sessionauth"
	"github.com/mattv8/pangolin/internal/store"
)

type fakeConn struct {
	ch chan bus.Message
}

func newFakeConn() *fakeConn { return &fakeConn{ch: make(chan bus.Message, 16)} }

func (c *fakeConn) WriteMessage(v bus.Message) error {
	c.ch <- v
	return nil
}
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) recv(t *testing.T) bus.Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return bus.Message{}
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestKeypair(t *testing.T) *sessionauth.Keypair {
	t.Helper()
	kp, err := sessionauth.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	return kp
}

// S5 — auth-proxy gating.
func TestUpdateAuthProxyForSiteGatesOnDnsAuthorityAndPolicy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{
		OrgID: org.ID, NiceID: "s1", Name: "site-one", PublicIP: "203.0.113.10",
	})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{
		OrgID: org.ID, Name: "r2", FullDomain: "secure.example.com", SSO: true, DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateTarget(ctx, store.CreateTargetParams{
		ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.5", Port: 8080, Enabled: true, SSL: false,
	})
	require.NoError(t, err)

	b := bus.New(nil)
	conn := newFakeConn()
	b.Attach(newt.ID, bus.Newt, conn)

	r := New(Config{
		Store:        st,
		Bus:          b,
		Keypair:      newTestKeypair(t),
		DashboardURL: "https://app.example.com",
	})
	require.NoError(t, r.UpdateAuthProxyForSite(ctx, site.ID))

	msg := conn.recv(t)
	require.Equal(t, "newt/auth/proxy/config", msg.Type)
	payload := msg.Data.(authProxyPayload)
	require.Equal(t, "update", payload.Action)
	require.True(t, payload.Auth.Enabled)
	require.Equal(t, ".example.com", payload.Auth.CookieDomain)
	require.Equal(t, "https://app.example.com/api/v1/auth/session/validate", payload.Auth.SessionValidationURL)
	require.Equal(t, cookieName, payload.Auth.CookieName)
	require.Len(t, payload.Resources, 1)
	rc := payload.Resources[0]
	require.Equal(t, res.ID, rc.ResourceID)
	require.Equal(t, "secure.example.com", rc.Domain)
	require.True(t, rc.SSO)
	require.Equal(t, "http://10.0.0.5:8080", rc.TargetURL)
}

func TestUpdateAuthProxySkipsResourceWithoutDnsAuthority(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{
		OrgID: org.ID, NiceID: "s1", Name: "site-one", PublicIP: "203.0.113.10",
	})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)
	// sso=true but dnsAuthorityEnabled=false: must not be retained (spec's
	// auth-proxy-only-runs-in-the-Newt-served-DNS-path rule).
	res, err := st.CreateResource(ctx, store.CreateResourceParams{
		OrgID: org.ID, Name: "r3", FullDomain: "noauth.example.com", SSO: true,
	})
	require.NoError(t, err)
	_, err = st.CreateTarget(ctx, store.CreateTargetParams{
		ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.5", Port: 8080, Enabled: true,
	})
	require.NoError(t, err)

	b := bus.New(nil)
	conn := newFakeConn()
	b.Attach(newt.ID, bus.Newt, conn)

	r := New(Config{
		Store:        st,
		Bus:          b,
		Keypair:      newTestKeypair(t),
		DashboardURL: "https://app.example.com",
	})
	require.NoError(t, r.UpdateAuthProxyForSite(ctx, site.ID))

	select {
	case msg := <-conn.ch:
		t.Fatalf("expected no message, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateAuthProxyIncludesAllowedEmailsForWhitelist(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{
		OrgID: org.ID, NiceID: "s1", Name: "site-one", PublicIP: "203.0.113.10",
	})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{
		OrgID: org.ID, Name: "r4", FullDomain: "wl.example.com", EmailWhitelistEnabled: true, DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateTarget(ctx, store.CreateTargetParams{
		ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.9", Port: 9090, Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, st.AddResourceWhitelistEmail(ctx, res.ID, "a@x.com"))
	require.NoError(t, st.AddResourceWhitelistEmail(ctx, res.ID, "b@x.com"))

	b := bus.New(nil)
	conn := newFakeConn()
	b.Attach(newt.ID, bus.Newt, conn)

	r := New(Config{
		Store:        st,
		Bus:          b,
		Keypair:      newTestKeypair(t),
		DashboardURL: "https://app.example.com",
	})
	require.NoError(t, r.UpdateAuthProxyForSite(ctx, site.ID))

	payload := conn.recv(t).Data.(authProxyPayload)
	require.Len(t, payload.Resources, 1)
	require.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, payload.Resources[0].AllowedEmails)
}

func TestBuildAuthConfigErrorsWithoutDashboardURL(t *testing.T) {
	st := newTestStore(t)
	b := bus.New(nil)
	r := New(Config{Store: st, Bus: b, Keypair: newTestKeypair(t)})
	_, err := r.buildAuthConfig()
	require.Error(t, err)
}

func TestCookieDomain(t *testing.T) {
	require.Equal(t, ".example.com", cookieDomain("app.example.com"))
	require.Equal(t, ".example.com", cookieDomain("example.com"))
	require.Equal(t, "localhost", cookieDomain("localhost"))
}
