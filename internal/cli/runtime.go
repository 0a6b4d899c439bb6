package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tOgg1/chatsync/internal/clientstate"
	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/history"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/transport/ws"
)

func newHistoryClient(cfg *config.Config) *history.Client {
	return history.New(cfg.Backend.BaseURL,
		history.WithToken(cfg.Backend.Token),
		history.WithTimeout(cfg.Backend.RequestTimeout),
	)
}

// session bundles an engine with the stores it owns.
type session struct {
	engine   *engine.Engine
	registry *prometheus.Registry
}

// openSession wires an engine from cfg. mutate adjusts the engine config
// before construction.
func openSession(ctx context.Context, cfg *config.Config, mutate func(*engine.Config)) (*session, error) {
	store, err := clientstate.Open(cfg.State.Backend, cfg.State.Path, cfg.StateKey())
	if err != nil {
		return nil, fmt.Errorf("open client state: %w", err)
	}
	state := clientstate.New(store, clock.Real{})
	state.SetDebounce(cfg.State.Debounce)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	ecfg := engine.ConfigFrom(cfg)
	if mutate != nil {
		mutate(&ecfg)
	}
	eng, err := engine.New(ecfg, engine.Options{
		Dialer: &ws.Dialer{
			URL:   cfg.WebSocketURL(),
			Token: cfg.Backend.Token,
		},
		History: newHistoryClient(cfg),
		State:   state,
		Metrics: metrics.New(reg),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Shutdown(context.Background())
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return &session{engine: eng, registry: reg}, nil
}

func (s *session) close(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}
