package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"autosnippet/internal/constitution"
	"autosnippet/internal/embedding"
	"autosnippet/internal/gateway"
	"autosnippet/internal/graph"
	"autosnippet/internal/index"
	"autosnippet/internal/logging"
	"autosnippet/internal/pathguard"
	"autosnippet/internal/provider"
	"autosnippet/internal/search"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	syncpkg "autosnippet/internal/sync"
)

const dbFileName = "autosnippet.db"

// runtimeConfig is the optional .autosnippet/config.json. Missing file or
// missing sections fall back to defaults; ASD_AI_PROVIDER and
// ASD_DISABLE_AI_ASSIST override whatever the file says.
type runtimeConfig struct {
	Embedding embedding.Config `json:"embedding"`
	Assist    provider.Config  `json:"assist"`
	Server    struct {
		Addr string `json:"addr"`
	} `json:"server"`
}

func loadRuntimeConfig(root string) runtimeConfig {
	cfg := runtimeConfig{
		Embedding: embedding.DefaultConfig(),
		Assist:    provider.DefaultConfig(),
	}
	cfg.Server.Addr = "127.0.0.1:3947"

	path := filepath.Join(pathguard.RuntimeDir(root), "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring malformed %s: %v\n", path, err)
	}
	return cfg
}

// engine bundles every service the commands dispatch to.
type engine struct {
	root     string
	cfg      runtimeConfig
	store    *store.Store
	syncer   *syncpkg.Syncer
	indexer  *index.Indexer
	searcher *search.Searcher
	graph    *graph.Service
	stats    *stats.Service
	policy   *constitution.Service
	gateway  *gateway.Gateway
}

// openEngine resolves the project root, initializes logging, opens the
// SQLite cache, and wires the service graph the way serve and mcp need it.
func openEngine() (*engine, error) {
	cwd := projectDir
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	root, err := pathguard.ResolveProjectRoot(cwd)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(root); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging unavailable: %v\n", err)
	}

	cfg := loadRuntimeConfig(root)

	dbPath := filepath.Join(pathguard.RuntimeDir(root), dbFileName)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	embedEngine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, err
	}
	assistClient, err := provider.NewClient(cfg.Assist)
	if err != nil {
		st.Close()
		return nil, err
	}

	doc, err := constitution.Load(root)
	if err != nil {
		st.Close()
		return nil, err
	}
	policy := constitution.NewService(doc, root)
	usage := stats.New(root)

	e := &engine{
		root:     root,
		cfg:      cfg,
		store:    st,
		syncer:   syncpkg.New(st, root),
		indexer:  index.New(st, embedEngine),
		searcher: search.New(st, embedEngine, provider.NewAssist(assistClient), usage),
		graph:    graph.New(st),
		stats:    usage,
		policy:   policy,
		gateway:  gateway.New(st, policy, usage, root),
	}
	return e, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}
