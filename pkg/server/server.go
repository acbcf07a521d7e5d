package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/viaiv/jarvis/pkg/auth"
	"github.com/viaiv/jarvis/pkg/engine"
	"github.com/viaiv/jarvis/pkg/eventbus"
	"github.com/viaiv/jarvis/pkg/store"
)

// Server is the jarvis backend: auth endpoints, the chat websocket, and
// the admin API over one sqlite store and one event bus.
type Server struct {
	settings Settings
	store    *store.Store
	signer   *auth.Signer
	bus      *eventbus.Bus
	convs    *convManager
	httpSrv  *http.Server
}

// New wires the server. ctx bounds background work (engine runs, bus
// forwarders); the caller keeps ownership of store and bus.
func New(ctx context.Context, settings Settings, st *store.Store, bus *eventbus.Bus, eng engine.Engine) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if bus == nil {
		return nil, errors.New("bus is nil")
	}
	if eng == nil {
		eng = engine.NewScripted()
	}

	s := &Server{
		settings: settings,
		store:    st,
		signer:   auth.NewSigner(settings.JWTSecret, settings.AccessExpiry, settings.RefreshExpiry),
		bus:      bus,
		convs:    newConvManager(ctx, bus, eng, st, settings.MaxToolSteps),
	}

	if err := st.SeedAdmin(ctx, settings.AdminUsername, settings.AdminEmail, settings.AdminPassword); err != nil {
		return nil, errors.Wrap(err, "seed admin")
	}

	s.httpSrv = &http.Server{
		Addr:              settings.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /auth/me", s.handleMe)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /admin/users", s.adminOnly(s.handleListUsers))
	mux.HandleFunc("POST /admin/users", s.adminOnly(s.handleCreateUser))
	mux.HandleFunc("GET /admin/users/{id}", s.adminOnly(s.handleGetUser))
	mux.HandleFunc("PUT /admin/users/{id}", s.adminOnly(s.handleUpdateUser))
	mux.HandleFunc("DELETE /admin/users/{id}", s.adminOnly(s.handleDeleteUser))
	mux.HandleFunc("PUT /admin/users/{id}/password", s.adminOnly(s.handleUpdatePassword))
	mux.HandleFunc("GET /admin/users/{id}/config", s.adminOnly(s.handleGetUserConfig))
	mux.HandleFunc("PUT /admin/users/{id}/config", s.adminOnly(s.handleSetUserConfig))
	mux.HandleFunc("GET /admin/config", s.adminOnly(s.handleGetGlobalConfig))
	mux.HandleFunc("PUT /admin/config", s.adminOnly(s.handleSetGlobalConfig))
	mux.HandleFunc("GET /admin/logs", s.adminOnly(s.handleListThreads))
	mux.HandleFunc("GET /admin/logs/{thread...}", s.adminOnly(s.handleThreadMessages))

	return mux
}

// Run serves until the context is canceled or an interrupt arrives.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting jarvis server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

// writeJSON serializes a response body, logging encode failures.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("response encode failed")
	}
}

// httpError writes the {"detail": ...} error shape.
func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, dst any) error {
	return errors.Wrap(json.NewDecoder(r.Body).Decode(dst), "decode request body")
}
