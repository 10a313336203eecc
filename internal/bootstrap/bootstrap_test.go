package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/dnsauthority"
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

// S4 — Olm reconnect bootstrap: an olm/sync message arrives first,
// then an olm/dns/authority/config update for every resource the
// olm's associated sites should serve.
func TestOnOlmConnectPushesSyncThenZones(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{
		OrgID: org.ID, NiceID: "s1", Name: "site-one", PublicIP: "203.0.113.10", DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{
		OrgID: org.ID, Name: "r1", FullDomain: "svc.example.com", DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateTarget(ctx, store.CreateTargetParams{
		ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.1", Port: 8080, Enabled: true, Priority: 100,
	})
	require.NoError(t, err)

	olm, err := st.CreateOlm(ctx)
	require.NoError(t, err)
	client, err := st.CreateClient(ctx, olm.ID, "pubkey-1")
	require.NoError(t, err)
	require.NoError(t, st.AssociateClientSite(ctx, client.ID, site.ID))

	b := bus.New(nil)
	dns := dnsauthority.New(st, b, nil)
	bs := New(Config{Store: st, Bus: b, Dns: dns})
	bs.Register(b)

	conn := newFakeConn()
	b.Attach(olm.ID, bus.Olm, conn)

	sync := conn.recv(t)
	require.Equal(t, "olm/sync", sync.Type)

	zones := conn.recv(t)
	require.Equal(t, "olm/dns/authority/config", zones.Type)
}

func TestOnNewtConnectPushesDnsResync(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	org, err := st.CreateOrg(ctx, "acme")
	require.NoError(t, err)
	site, err := st.CreateSite(ctx, store.CreateSiteParams{
		OrgID: org.ID, NiceID: "s1", Name: "site-one", PublicIP: "203.0.113.10", DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	res, err := st.CreateResource(ctx, store.CreateResourceParams{
		OrgID: org.ID, Name: "r1", FullDomain: "svc.example.com", DnsAuthorityEnabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateTarget(ctx, store.CreateTargetParams{
		ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.1", Port: 8080, Enabled: true, Priority: 100,
	})
	require.NoError(t, err)
	newt, err := st.CreateNewt(ctx, site.ID)
	require.NoError(t, err)

	b := bus.New(nil)
	dns := dnsauthority.New(st, b, nil)
	bs := New(Config{Store: st, Bus: b, Dns: dns})
	bs.Register(b)

	conn := newFakeConn()
	b.Attach(newt.ID, bus.Newt, conn)

	zones := conn.recv(t)
	require.Equal(t, "newt/dns/authority/config", zones.Type)
}
