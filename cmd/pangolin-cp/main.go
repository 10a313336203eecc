// Command pangolin-cp runs the control-plane reconciler: the state
// store, the agent bus, the DNS-authority and auth-proxy reconcilers,
// the health ingestor, the sync/bootstrap path, the session
// validator, and the read-only diagnostic socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattv8/pangolin/internal/api"
	"github.com/mattv8/pangolin/internal/authproxy"
	"github.com/mattv8/pangolin/internal/bootstrap"
	"github.com/mattv8/pangolin/internal/bus"
	"github.com/mattv8/pangolin/internal/config"
	"github.com/mattv8/pangolin/internal/diag"
	"github.com/mattv8/pangolin/internal/dnsauthority"
	"github.com/mattv8/pangolin/internal/health"
	"github.com/mattv8/pangolin/internal/sessionauth"
	"github.com/mattv8/pangolin/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	if err := run(*configPath, entry); err != nil {
		entry.WithError(err).Fatal("pangolin-cp exited with error")
	}
}

func run(configPath string, log *logrus.Entry) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	keypair, err := sessionauth.LoadOrCreate(filepath.Join(cfg.DataDir, "auth"))
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}

	b := bus.New(log)

	dns := dnsauthority.New(st, b, log)
	authProxy := authproxy.New(authproxy.Config{
		Store:        st,
		Bus:          b,
		Keypair:      keypair,
		DashboardURL: cfg.App.DashboardURL,
		ServerSecret: cfg.Server.Secret,
		Logger:       log,
	})

	healthIngestor := health.New(st, dns, log)
	healthIngestor.Register(b, newtSiteResolver(st))

	boot := bootstrap.New(bootstrap.Config{
		Store:                  st,
		Bus:                    b,
		Dns:                    dns,
		AuthProxy:              authProxy,
		GerbilClientsStartPort: cfg.Gerbil.ClientsStartPort,
		Logger:                 log,
	})
	boot.Register(b)

	validator := sessionauth.NewValidator(st)
	server := api.NewServer(api.ServerConfig{
		Store:     st,
		Bus:       b,
		Validator: validator,
		Logger:    log,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.InternalPort),
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	diagSrv := diag.NewServer(cfg.DiagSock, log)
	for action, fn := range diag.Diagnostics(st, time.Now()) {
		diagSrv.Handle(action, fn)
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", httpSrv.Addr).Info("internal http surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := diagSrv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("diag server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.WithError(err).Error("server error, shutting down")
	}

	log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

// newtSiteResolver adapts store lookups to the health ingestor's
// agentID -> siteID resolver.
func newtSiteResolver(st *store.Store) func(agentID string) (string, bool) {
	return func(agentID string) (string, bool) {
		newt, err := st.NewtByID(context.Background(), agentID)
		if err != nil {
			return "", false
		}
		return newt.SiteID, true
	}
}
