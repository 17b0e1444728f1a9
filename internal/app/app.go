package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/papyrix/papyrix/internal/config"
	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/core/broker"
	db "github.com/papyrix/papyrix/internal/core/database"
	"github.com/papyrix/papyrix/internal/core/llm"
	objectclient "github.com/papyrix/papyrix/internal/core/object-client"
	"github.com/papyrix/papyrix/internal/core/search"
	"github.com/papyrix/papyrix/internal/core/vector"
	"github.com/papyrix/papyrix/internal/extraction"
	"github.com/papyrix/papyrix/internal/index/embedding"
	"github.com/papyrix/papyrix/internal/index/fulltext"
	"github.com/papyrix/papyrix/internal/models"
	"github.com/papyrix/papyrix/internal/pipeline"
	"github.com/papyrix/papyrix/internal/worker"
)

// App holds the infrastructure every process shares: config, logger, the
// metadata store, and the broker transport. Each role runner builds its own
// extras on top.
type App struct {
	Cfg       *config.Config
	Log       *slog.Logger
	DBClient  *db.DatabaseClient
	Transport *broker.Transport
	Topics    pipeline.Topics
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	dbClient, err := db.NewDatabaseClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	log.Info("database initialized and ready")

	transport, err := broker.Connect(ctx, cfg.AmqpURL, log)
	if err != nil {
		_ = dbClient.Close()
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	log.Info("broker transport connected")

	return &App{
		Cfg:       cfg,
		Log:       log,
		DBClient:  dbClient,
		Transport: transport,
		Topics:    pipeline.NewTopics(cfg),
	}, nil
}

func (a *App) Close() {
	if a.Transport != nil {
		_ = a.Transport.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}

// RunOrchestrator consumes the completion topic, answers the RPC endpoints,
// and runs the stall sweeper.
func (a *App) RunOrchestrator(ctx context.Context) error {
	ftEngine, err := search.NewMeilisearchEngine(a.Cfg.MeiliHost, a.Cfg.MeiliAPIKey, a.Cfg.MeiliIndex, a.Log)
	if err != nil {
		return fmt.Errorf("init fulltext engine: %w", err)
	}
	vecEngine, err := a.vectorEngine(ctx)
	if err != nil {
		return err
	}
	blobs, err := objectclient.NewS3Client(ctx, a.Cfg, a.Log)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	// The orchestrator only removes from the engines, so the embedding
	// dispatcher needs no embedder here.
	orch := pipeline.NewOrchestrator(a.DBClient, a.Transport, a.Topics, a.Log).
		WithCleanup(blobs,
			fulltext.New(ftEngine, a.Cfg.BatchSize, a.Log),
			embedding.New(vecEngine, nil, a.Cfg.EmbedDim, a.Cfg.BatchSize, a.Log))

	status := pipeline.NewStatusHandler(orch, a.Log)
	w := worker.New(a.Transport, a.Topics.Status,
		[]models.JobKind{models.KindIndexCompleted, models.KindIndexFailed},
		status.Handle, status.OnAbandon, a.Cfg.MaxRetries, a.Cfg.WorkerPool, a.Log)
	sweeper := pipeline.NewSweeper(a.DBClient, a.Cfg.SweepInterval, a.Cfg.StallTimeout, a.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return a.Transport.Serve(gctx, a.Topics.IndexReady, orch.HandleIndexReady) })
	g.Go(func() error { return a.Transport.Serve(gctx, a.Topics.DeleteDocument, orch.HandleDeleteDocument) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return a.serveHealth(gctx) })
	return g.Wait()
}

// RunExtractWorker consumes ExtractRequested jobs.
func (a *App) RunExtractWorker(ctx context.Context) error {
	blobs, err := objectclient.NewS3Client(ctx, a.Cfg, a.Log)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	orch := pipeline.NewOrchestrator(a.DBClient, a.Transport, a.Topics, a.Log)
	handler := pipeline.NewExtractHandler(orch, a.DBClient, blobs,
		extraction.NewRegistry(a.Cfg.MaxChunkChars), a.Log)
	w := worker.New(a.Transport, a.Topics.Extract,
		[]models.JobKind{models.KindExtractRequested},
		handler.Handle, handler.OnAbandon, a.Cfg.MaxRetries, a.Cfg.WorkerPool, a.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return a.serveHealth(gctx) })
	return g.Wait()
}

// RunFulltextWorker consumes IndexFulltextRequested jobs.
func (a *App) RunFulltextWorker(ctx context.Context) error {
	engine, err := search.NewMeilisearchEngine(a.Cfg.MeiliHost, a.Cfg.MeiliAPIKey, a.Cfg.MeiliIndex, a.Log)
	if err != nil {
		return fmt.Errorf("init fulltext engine: %w", err)
	}
	return a.runIndexWorker(ctx, a.Topics.IndexFulltext, models.KindIndexFulltextRequested,
		fulltext.New(engine, a.Cfg.BatchSize, a.Log))
}

// RunEmbeddingWorker consumes IndexEmbeddingRequested jobs.
func (a *App) RunEmbeddingWorker(ctx context.Context) error {
	engine, err := a.vectorEngine(ctx)
	if err != nil {
		return err
	}
	embedder, err := llm.NewGeminiEmbedder(ctx, a.Cfg.AIAPIKey, a.Cfg.EmbedModel)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	defer embedder.Close()

	return a.runIndexWorker(ctx, a.Topics.IndexEmbedding, models.KindIndexEmbeddingRequested,
		embedding.New(engine, embedder, a.Cfg.EmbedDim, a.Cfg.BatchSize, a.Log))
}

func (a *App) runIndexWorker(ctx context.Context, topic string, kind models.JobKind, dispatcher pipeline.Dispatcher) error {
	orch := pipeline.NewOrchestrator(a.DBClient, a.Transport, a.Topics, a.Log)
	handler := pipeline.NewIndexHandler(orch, a.DBClient, dispatcher, a.Log)
	w := worker.New(a.Transport, topic, []models.JobKind{kind},
		handler.Handle, handler.OnAbandon, a.Cfg.MaxRetries, a.Cfg.WorkerPool, a.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return a.serveHealth(gctx) })
	return g.Wait()
}

// vectorEngine picks the configured backend and makes sure its collection
// exists with the configured dimension.
func (a *App) vectorEngine(ctx context.Context) (core.VectorEngine, error) {
	switch a.Cfg.VectorBackend {
	case "pgvector":
		e := vector.NewPgvectorEngine(a.DBClient.DB())
		if err := e.EnsureCollection(ctx, a.Cfg.EmbedDim); err != nil {
			return nil, fmt.Errorf("init pgvector engine: %w", err)
		}
		return e, nil
	case "qdrant":
		e := vector.NewQdrantEngine(vector.QdrantConfig{
			URL:        a.Cfg.QdrantURL,
			APIKey:     a.Cfg.QdrantAPIKey,
			Collection: a.Cfg.QdrantCollection,
		})
		if err := e.EnsureCollection(ctx, a.Cfg.EmbedDim); err != nil {
			return nil, fmt.Errorf("init qdrant engine: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", a.Cfg.VectorBackend)
	}
}
