// Package diag exposes a read-only introspection socket for operating
// the reconciler: the sites, resources, targets and target health that
// the DNS-authority and auth-proxy reconcilers compute from. It does
// not compute zone or auth-proxy configs itself.
// It never mutates state — that surface is the out-of-scope admin
// HTTP/CLI. A CBOR request/response protocol over a single
// unauthenticated Unix socket, since this reconciler has no
// service-token framework to gate a richer one.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/store"
)

// ActionFunc handles one decoded request and returns a response value
// (or an error). A nil value produces {ok:true} with no data field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

type response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 * 1024
)

// Server serves the diagnostic CBOR protocol over a Unix socket.
type Server struct {
	socketPath string
	log        *logrus.Entry
	handlers   map[string]ActionFunc

	active sync.WaitGroup
}

func NewServer(socketPath string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		socketPath: socketPath,
		log:        log.WithField("component", "diag"),
		handlers:   make(map[string]ActionFunc),
	}
}

func (s *Server) Handle(action string, fn ActionFunc) {
	s.handlers[action] = fn
}

// Serve accepts connections until ctx is cancelled. Each connection
// handles exactly one request-response cycle.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.WithField("path", s.socketPath).Info("diagnostic socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.WithError(err).Warn("diag accept failed")
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	raw, err := io.ReadAll(io.LimitReader(conn, maxRequestSize))
	if err != nil {
		s.writeError(conn, fmt.Sprintf("read request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := cbor.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, raw)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	out, err := cbor.Marshal(response{OK: false, Error: msg})
	if err != nil {
		return
	}
	conn.Write(out)
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	resp := response{OK: true}
	if result != nil {
		data, err := cbor.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("marshal response: %v", err))
			return
		}
		resp.Data = data
	}
	out, err := cbor.Marshal(resp)
	if err != nil {
		return
	}
	conn.Write(out)
}

// -- Read-only reconciler-state actions ---------------------------------

// Diagnostics returns the status/list-sites/list-resources/show-resource
// handlers bound to st, for the caller to register on a Server, per
// SPEC_FULL.md §7's supplemental read-only surface.
func Diagnostics(st *store.Store, startedAt time.Time) map[string]ActionFunc {
	return map[string]ActionFunc{
		"status": func(ctx context.Context, raw []byte) (any, error) {
			return map[string]any{"uptimeSeconds": int(time.Since(startedAt).Seconds())}, nil
		},
		"list-sites": func(ctx context.Context, raw []byte) (any, error) {
			return listSites(ctx, st)
		},
		"list-resources": func(ctx context.Context, raw []byte) (any, error) {
			return listResources(ctx, st)
		},
		"show-resource": func(ctx context.Context, raw []byte) (any, error) {
			var req struct {
				ResourceID string `cbor:"resourceId"`
			}
			if err := cbor.Unmarshal(raw, &req); err != nil {
				return nil, fmt.Errorf("decode request: %w", err)
			}
			return showResource(ctx, st, req.ResourceID)
		},
	}
}

func listSites(ctx context.Context, st *store.Store) (any, error) {
	sites, err := st.AllSites(ctx)
	if err != nil {
		return nil, err
	}
	type siteView struct {
		SiteID              string `cbor:"siteId"`
		NiceID              string `cbor:"niceId"`
		Name                string `cbor:"name"`
		PublicIP            string `cbor:"publicIp,omitempty"`
		DnsAuthorityEnabled bool   `cbor:"dnsAuthorityEnabled"`
	}
	views := make([]siteView, 0, len(sites))
	for _, s := range sites {
		views = append(views, siteView{
			SiteID:              s.ID,
			NiceID:              s.NiceID,
			Name:                s.Name,
			PublicIP:            s.PublicIP.String,
			DnsAuthorityEnabled: s.DnsAuthorityEnabled,
		})
	}
	return map[string]any{"sites": views}, nil
}

func listResources(ctx context.Context, st *store.Store) (any, error) {
	resources, err := st.AllResources(ctx)
	if err != nil {
		return nil, err
	}
	type resourceView struct {
		ResourceID          string `cbor:"resourceId"`
		Name                string `cbor:"name"`
		Domain              string `cbor:"domain,omitempty"`
		DnsAuthorityEnabled bool   `cbor:"dnsAuthorityEnabled"`
	}
	views := make([]resourceView, 0, len(resources))
	for _, r := range resources {
		views = append(views, resourceView{
			ResourceID:          r.ID,
			Name:                r.Name,
			Domain:              r.FullDomain.String,
			DnsAuthorityEnabled: r.DnsAuthorityEnabled,
		})
	}
	return map[string]any{"resources": views}, nil
}

func showResource(ctx context.Context, st *store.Store, resourceID string) (any, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resourceId is required")
	}
	res, err := st.ResourceByID(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	rows, err := st.ResourceTargetsWithSiteHealth(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	type targetView struct {
		TargetID string `cbor:"targetId"`
		SiteID   string `cbor:"siteId"`
		Enabled  bool   `cbor:"enabled"`
		Health   string `cbor:"health"`
	}
	views := make([]targetView, 0, len(rows))
	for _, r := range rows {
		views = append(views, targetView{
			TargetID: r.Target.ID,
			SiteID:   r.Target.SiteID,
			Enabled:  r.Target.Enabled,
			Health:   r.Health.HcHealth,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TargetID < views[j].TargetID })

	domain := ""
	if res.FullDomain.Valid {
		domain = res.FullDomain.String
	}
	return map[string]any{
		"resourceId":          res.ID,
		"domain":              domain,
		"dnsAuthorityEnabled": res.DnsAuthorityEnabled,
		"targets":             views,
	}, nil
}
