// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/stack-auth/stack-sub005/pkg/authserver"
	"github.com/stack-auth/stack-sub005/pkg/authserver/accounts"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	"github.com/stack-auth/stack-sub005/pkg/config"
	"github.com/stack-auth/stack-sub005/pkg/idp"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/telemetry"
)

const (
	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 2 * time.Second
)

// application is the assembled server: the authorization server, the
// optional identity provider and telemetry behind one router.
type application struct {
	handler   http.Handler
	telemetry *telemetry.Provider
	auth      authserver.Server
	idp       idp.Server
}

// newApplication builds every component described by cfg.
func newApplication(ctx context.Context, cfg *config.Config) (_ *application, err error) {
	a := &application{}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}

	projectStore, err := newProjectStore(cfg.ProjectsFile)
	if err != nil {
		return nil, err
	}

	shared, err := upstream.LoadSharedCredentials()
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a.auth, err = authserver.New(ctx, cfg.AuthServerConfig(), authserver.Dependencies{
		Projects:  projectStore,
		Storage:   store,
		Upstreams: upstream.NewFactory(shared, upstream.Options{BaseURL: cfg.BaseURL}),
		Accounts:  accounts.NewMemoryResolver(),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}

	if cfg.IDP.Enabled {
		a.idp, err = newIdentityProvider(ctx, cfg, a.auth)
		if err != nil {
			return nil, err
		}
	}

	a.handler = a.routes()
	return a, nil
}

func newProjectStore(path string) (*projects.MemoryStore, error) {
	if path == "" {
		logger.Warn("no projects file configured, every client will be rejected")
		return projects.NewMemoryStore()
	}
	seed, err := projects.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d projects from %s", len(seed), path)
	return projects.NewMemoryStore(seed...)
}

func newIdentityProvider(ctx context.Context, cfg *config.Config, auth authserver.Server) (idp.Server, error) {
	var backend adapter.Backend
	switch cfg.IDP.Adapter.Type {
	case config.AdapterSQLite:
		sqlBackend, err := adapter.OpenSQLite(ctx, cfg.IDP.Adapter.DSN, adapter.WithNamespace(cfg.IDP.Adapter.Namespace))
		if err != nil {
			return nil, fmt.Errorf("failed to open idp adapter database: %w", err)
		}
		backend = sqlBackend
	default:
		backend = adapter.NewMemoryBackend()
	}

	ad := adapter.New(backend)
	srv, err := idp.New(ctx, cfg.IDPServerConfig(), idp.Dependencies{
		Adapter: ad,
		Login:   idp.NewCodecLoginVerifier(auth.Codec(), cfg.IDP.ProjectID, cfg.IDP.AccessTokenCookie),
	})
	if err != nil {
		_ = ad.Close()
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}
	logger.Infow("identity provider enabled", "issuer", cfg.Issuer(), "adapter", cfg.IDP.Adapter.Type)
	return srv, nil
}

func (a *application) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		a.telemetry.Middleware(),
	)

	r.Get("/health", a.healthHandler)
	r.Mount("/api/v1", a.auth.Handler())
	if a.idp != nil {
		r.Mount(config.IDPPath, a.idp.Handler())
		r.Method(http.MethodGet, "/.well-known/jwks.json", a.idp.JWKSHandler())
	}
	return r
}

func (a *application) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := a.auth.Health(ctx); err != nil {
		logger.Warnw("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// close releases every component that was created.
func (a *application) close(ctx context.Context) {
	if a.idp != nil {
		if err := a.idp.Close(); err != nil {
			logger.Warnw("failed to close identity provider", "error", err)
		}
	}
	if a.auth != nil {
		if err := a.auth.Close(); err != nil {
			logger.Warnw("failed to close authorization server", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			logger.Warnw("failed to shut down telemetry", "error", err)
		}
	}
}

// serve runs the API and metrics listeners until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	servers := []*http.Server{{
		Addr:              cfg.ListenAddress,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}}
	if handler := a.telemetry.PrometheusHandler(); handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Infof("starting HTTP server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s stopped with error: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server on %s shutdown failed: %w", srv.Addr, err))
			}
		}
		logger.Info("HTTP servers stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}
