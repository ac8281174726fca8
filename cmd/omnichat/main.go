// omnichat is the conversation agent backend: an HTTP server that drives
// checkpointed workflow runs over a SQLite store, suspending on critical
// actions until an operator decides.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omnichat/omnichat/pkg/agent"
	"github.com/omnichat/omnichat/pkg/api"
	"github.com/omnichat/omnichat/pkg/config"
	"github.com/omnichat/omnichat/pkg/fewshot"
	"github.com/omnichat/omnichat/pkg/llm"
	"github.com/omnichat/omnichat/pkg/retrieval"
	"github.com/omnichat/omnichat/pkg/store"
	"github.com/omnichat/omnichat/pkg/workflow/checkpoint"
	"github.com/omnichat/omnichat/pkg/workflow/event"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "omnichat:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.New(nil)
	if configPath != "" {
		loaded, err := config.FromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Section("logging"))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Section("store").String("path", "omnichat.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	checkpoints, err := checkpoint.NewSQLiteStore(
		cfg.Section("store").String("checkpoint_path", "omnichat-checkpoints.db"))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	modelCfg := cfg.Section("model")
	apiKey := modelCfg.String("api_key", os.Getenv("OPENAI_API_KEY"))
	model := llm.NewOpenAI(modelCfg.String("name", "gpt-4o-mini"), llm.OpenAIOptions{
		APIKey:  apiKey,
		BaseURL: modelCfg.String("base_url", ""),
	})

	agentCfg := agent.DefaultNodesConfig()
	agentSection := cfg.Section("agent")
	agentCfg.HistoryWindow = agentSection.Int("history_window", agentCfg.HistoryWindow)
	agentCfg.SummarizeThreshold = agentSection.Int("summarize_threshold", agentCfg.SummarizeThreshold)
	agentCfg.RetrievalK = agentSection.Int("retrieval_k", agentCfg.RetrievalK)
	agentCfg.Retry.MaxAttempts = agentSection.Int("retry_max_attempts", agentCfg.Retry.MaxAttempts)
	agentCfg.Retry.InitialBackoff = agentSection.Duration("retry_initial_backoff", agentCfg.Retry.InitialBackoff)
	agentCfg.Retry.MaxBackoff = agentSection.Duration("retry_max_backoff", agentCfg.Retry.MaxBackoff)
	agentCfg.Retry.BackoffFactor = agentSection.Float("retry_backoff_factor", agentCfg.Retry.BackoffFactor)

	index, err := loadKnowledge(cfg.Section("knowledge").String("path", ""))
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}

	selector := fewshot.NewSelector(st, agentSection.Int("fewshot_k", fewshot.DefaultK))
	graph, err := agent.BuildGraph(agent.NewNodes(st, model, index, selector, agentCfg))
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	bus := event.NewBus()
	defer bus.Close()
	bus.Subscribe([]string{event.TypeRunSuspended}, func(evt event.Event) {
		// The decision endpoint is keyed by action ID, so resolve it for
		// the operator here; the event itself only carries the run.
		actionID := ""
		if action, err := st.PendingActionByRun(context.Background(), evt.RunID); err == nil {
			actionID = action.ID
		}
		logger.Info("action awaiting operator decision",
			"run_id", evt.RunID,
			"action_id", actionID,
			"conversation_id", evt.ConversationID,
			"action_type", evt.Fields["action_type"],
			"reason", evt.Fields["reason"])
	})

	engine := agent.NewEngine(graph, checkpoints, st,
		agent.WithLogger(logger),
		agent.WithEventBus(bus),
		agent.WithMaxSteps(agentSection.Int("max_steps", 0)))

	server := api.New(engine, st, api.WithLogger(logger))

	httpCfg := cfg.Section("server")
	srv := &http.Server{
		Addr:         httpCfg.String("addr", ":8080"),
		Handler:      server.Handler(),
		ReadTimeout:  httpCfg.Duration("read_timeout", 15*time.Second),
		WriteTimeout: httpCfg.Duration("write_timeout", 60*time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		httpCfg.Duration("shutdown_timeout", 10*time.Second))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(section config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch section.String("level", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if section.String("format", "json") == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadKnowledge seeds the in-memory retrieval index from a newline-depth
// text file: one document per non-empty line. An empty path yields an
// empty index, which is a valid configuration.
func loadKnowledge(path string) (*retrieval.MemoryIndex, error) {
	index := retrieval.NewMemoryIndex()
	if path == "" {
		return index, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n++
		index.Add(retrieval.Document{
			ID:      fmt.Sprintf("kb-%d", n),
			Content: line,
		})
	}
	return index, nil
}
