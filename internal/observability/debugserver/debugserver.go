// Package debugserver exposes a local HTTP surface for operators: liveness,
// a scheduler status snapshot, and the Go pprof endpoints.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"modbot/internal/runtime/supervisor"
	"modbot/internal/scheduler"
	logx "modbot/pkg/logx"
)

// Config controls the optional debug HTTP server.
//
// Binding to a non-loopback address requires Token; there is no insecure
// override. The pprof endpoints can drive CPU profiles and should never be
// reachable from the open internet unauthenticated.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

type Service struct {
	cfg   Config
	log   logx.Logger
	sched *scheduler.Service

	mu  sync.Mutex
	sup *supervisor.Supervisor
	srv *http.Server
}

func New(cfg Config, sched *scheduler.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Service{cfg: cfg, log: log, sched: sched}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("debug server: non-loopback addr requires a token")
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// Observability only; never take the bot down with it.
		supervisor.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c)
	})
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.srv = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv := &http.Server{
		Handler:      s.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	stopped := s.sup == nil
	s.mu.Unlock()
	if stopped {
		return context.Canceled
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	return err
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/statusz", wrap(s.handleStatus))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// handleStatus reports the scheduler working set: per-guild pending tasks
// with kind and next due time.
func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type taskView struct {
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		Due       time.Time `json:"due"`
		Repeating bool      `json:"repeating,omitempty"`
		Every     string    `json:"every,omitempty"`
	}
	type guildView struct {
		GuildID string     `json:"guild_id"`
		Tasks   []taskView `json:"tasks"`
	}
	type statusView struct {
		Running      bool        `json:"running"`
		TickInterval string      `json:"tick_interval"`
		Pending      int         `json:"pending"`
		Guilds       []guildView `json:"guilds,omitempty"`
	}

	snap := s.sched.Snapshot()
	out := statusView{
		Running:      snap.Running,
		TickInterval: snap.TickInterval.String(),
		Pending:      snap.Pending,
	}
	for _, g := range snap.Guilds {
		gv := guildView{GuildID: g.GuildID}
		for _, t := range g.Tasks {
			tv := taskView{ID: t.ID, Kind: t.Kind, Due: t.Due, Repeating: t.Repeating}
			if t.Repeating {
				tv.Every = t.Every.String()
			}
			gv.Tasks = append(gv.Tasks, tv)
		}
		out.Guilds = append(out.Guilds, gv)
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func (s *Service) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
