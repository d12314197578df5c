package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/expense-pipeline/internal/adapters/scheduler"
	"github.com/kirillkom/expense-pipeline/internal/config"
	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
	"github.com/kirillkom/expense-pipeline/internal/core/usecase"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/extractor/rules"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/grouppay"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/schema"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/vertex"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/mailbox/dropdir"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/pdfunlock"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/storage/gcs"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/expense-pipeline/internal/observability/metrics"
)

// App holds the adapters shared by the api and worker binaries.
type App struct {
	Config config.Config

	Queue       *nats.Queue
	Documents   ports.DocumentRepository
	Groups      ports.ClientGroupRepository
	Companies   ports.CompanyRepository
	Files       *localfs.Storage
	Executor    *resilience.Executor
	Transitions *usecase.StageTransitionService

	Callbacks *usecase.GroupPayCallbackService
	Reports   *usecase.RemediationReportService

	WorkerMetrics *metrics.WorkerMetrics

	closers []func()
}

type Options struct {
	// Service names the process in logs and metrics.
	Service string
	// WithWorkerMetrics registers the stage job and transition collectors.
	WithWorkerMetrics bool
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{Config: cfg}

	var pipelineMetrics ports.PipelineMetrics
	onStateChange := func(operation, from, to string) {}
	if opts.WithWorkerMetrics {
		app.WorkerMetrics = metrics.NewWorkerMetrics(opts.Service)
		pipelineMetrics = app.WorkerMetrics
		onStateChange = app.WorkerMetrics.ObserveBreakerState
	}

	app.Executor = resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.ResilienceRetryMaxAttempts,
		RetryInitialBackoff: cfg.ResilienceRetryInitialBackoff,
		RetryMaxBackoff:     cfg.ResilienceRetryMaxBackoff,
		BreakerEnabled:      cfg.ResilienceBreakerEnabled,
		BreakerMinRequests:  uint32(max(cfg.ResilienceBreakerMinRequests, 0)),
		BreakerFailureRatio: cfg.ResilienceBreakerFailureRatio,
		BreakerOpenTimeout:  cfg.ResilienceBreakerOpenTimeout,
		OnStateChange:       onStateChange,
	})

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, func() { _ = db.Close() })

	documents := postgres.NewDocumentRepository(db)
	if err := documents.EnsureSchema(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	app.Documents = documents
	app.Groups = postgres.NewClientGroupRepository(db)
	app.Companies = postgres.NewCompanyRepository(db)

	files, err := localfs.New(cfg.StoragePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init local storage: %w", err)
	}
	app.Files = files

	retryConnect := cfg.NATSRetryConnect
	queue, err := nats.New(cfg.NATSURL, nats.Options{
		StageSubject:         cfg.NATSStageSubject,
		CompaniesSubject:     cfg.NATSCompaniesSubject,
		QueueGroup:           cfg.NATSQueueGroup,
		RetryOnFailedConnect: &retryConnect,
		ResilienceExecutor:   app.Executor,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	app.Queue = queue
	app.closers = append(app.closers, queue.Close)

	app.Transitions = usecase.NewStageTransitionService(documents, queue, pipelineMetrics)
	app.Callbacks = usecase.NewGroupPayCallbackService(
		documents, app.Groups, app.Companies, app.Transitions, queue, cfg.DocumentRetryDelay,
	)
	app.Reports = usecase.NewRemediationReportService(documents, xlsx.NewReportWriter(), cfg.RemediationReportLimit)

	return app, nil
}

// Pipeline is the worker side: every scheduled job plus the company cache it invalidates.
type Pipeline struct {
	Scheduler    *scheduler.Scheduler
	CompanyCache *usecase.CompanyCache
}

func (a *App) NewPipeline(ctx context.Context) (*Pipeline, error) {
	cfg := a.Config

	dispatch, err := a.newExtractionDispatch(ctx)
	if err != nil {
		return nil, err
	}

	archive, err := a.newArchive(ctx)
	if err != nil {
		return nil, err
	}

	mailbox := dropdir.New(cfg.MailDropPath)
	groupPay := grouppay.New(a.Groups, grouppay.Options{
		AuthURL:           cfg.GroupPayAuthURL,
		CoreURL:           cfg.GroupPayCoreURL,
		Timeout:           cfg.GroupPayTimeout,
		RequestsPerSecond: cfg.GroupPayRPS,
		Burst:             cfg.GroupPayBurst,
		Executor:          a.Executor,
	})
	companyCache := usecase.NewCompanyCache(a.Companies, cfg.CompanyCacheTTL)
	textExtractor := pdftext.NewExtractor(a.Files, plaintext.NewExtractor(a.Files))

	var pipelineMetrics ports.PipelineMetrics
	if a.WorkerMetrics != nil {
		pipelineMetrics = a.WorkerMetrics
	}

	handlers := []struct {
		job     string
		handler usecase.StageHandler
	}{
		{config.JobDecrypt, usecase.NewPasswordRemovalHandler(pdfunlock.NewRemover(a.Files, cfg.PDFPasswordMaxDigits))},
		{config.JobExtractText, usecase.NewTextExtractionHandler(textExtractor, a.Documents)},
		{config.JobExtractExpense, usecase.NewExpenseExtractionHandler(dispatch, a.Groups)},
		{config.JobMatchCompany, usecase.NewCompanyMatchingHandler(companyCache, a.Groups)},
		{config.JobSendGroupPay, usecase.NewSendToGroupPayHandler(groupPay, a.Groups)},
		{config.JobResultGroupPay, usecase.NewGroupPayResultHandler(groupPay, a.Groups)},
		{config.JobUploadArchive, usecase.NewArchiveUploadHandler(a.Files, archive)},
		{config.JobDeleteLocal, usecase.NewLocalDeletionHandler(a.Files)},
	}

	entries := make([]scheduler.Entry, 0, len(handlers)+2)
	for _, h := range handlers {
		jobCfg := cfg.Job(h.job)
		if !jobCfg.Enabled {
			slog.Info("stage_job_disabled", "job", h.job)
			continue
		}
		job := usecase.NewStageJob(h.job, h.handler, a.Documents, a.Transitions, pipelineMetrics, usecase.StageJobOptions{
			RetryDelay:  jobCfg.RetryDelay,
			Concurrency: jobCfg.Concurrency,
			BatchSize:   cfg.JobBatchSize,
			ItemTimeout: cfg.JobItemTimeout,
		})
		entries = append(entries, scheduler.Entry{Job: job, Interval: jobCfg.Interval, Stage: job.Stage()})
	}

	if ingest := cfg.Job(config.JobMailIngestion); ingest.Enabled {
		job := usecase.NewMailIngestionJob(a.Groups, a.Documents, a.Files, mailbox, a.Queue, cfg.MaxConcurrentMailboxes,
			usecase.MailIngestionOptions{
				RetryDelay:         ingest.RetryDelay,
				AttachmentsPerPass: cfg.AttachmentsPerPass,
			})
		entries = append(entries, scheduler.Entry{Job: job, Interval: ingest.Interval})
	}
	if cleanup := cfg.Job(config.JobDeleteDownload); cleanup.Enabled {
		job := usecase.NewDownloadCleanupJob(a.Documents, mailbox, a.Transitions, cfg.JobBatchSize, cleanup.Concurrency)
		entries = append(entries, scheduler.Entry{Job: job, Interval: cleanup.Interval})
	}

	return &Pipeline{
		Scheduler:    scheduler.New(entries...),
		CompanyCache: companyCache,
	}, nil
}

// newExtractionDispatch resolves AI_PROVIDER against the provider table. Only the selected provider is built.
func (a *App) newExtractionDispatch(ctx context.Context) (*usecase.ExtractionDispatch, error) {
	cfg := a.Config

	ruleSet, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load extraction rules: %w", err)
	}
	ruleExtractor := rules.NewExtractor(ruleSet)

	if cfg.AIProvider == "" || cfg.AIProvider == "none" {
		return usecase.NewExtractionDispatch(ruleExtractor, nil, "")
	}

	validator, err := schema.NewExpenseValidator()
	if err != nil {
		return nil, fmt.Errorf("compile expense schema: %w", err)
	}

	factories := map[string]func() (ports.ExpenseExtractor, error){
		usecase.ProviderOllama: func() (ports.ExpenseExtractor, error) {
			client := ollama.New(cfg.OllamaURL, cfg.OllamaModel, a.Executor)
			return ollama.NewExpenseExtractor(client, validator), nil
		},
		usecase.ProviderVertex: func() (ports.ExpenseExtractor, error) {
			extractor, err := vertex.NewExpenseExtractor(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.VertexModel, validator, a.Executor)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() { _ = extractor.Close() })
			return extractor, nil
		},
	}

	providers := make(map[string]ports.ExpenseExtractor, 1)
	if factory, ok := factories[cfg.AIProvider]; ok {
		extractor, err := factory()
		if err != nil {
			return nil, fmt.Errorf("init ai provider %s: %w", cfg.AIProvider, err)
		}
		providers[cfg.AIProvider] = extractor
	}
	return usecase.NewExtractionDispatch(ruleExtractor, providers, cfg.AIProvider)
}

func (a *App) newArchive(ctx context.Context) (ports.ArchiveStorage, error) {
	cfg := a.Config
	switch cfg.ArchiveBackend {
	case "gcs":
		archive, err := gcs.NewArchive(ctx, cfg.GCSBucket, cfg.GCSPrefix, a.Executor)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func() { _ = archive.Close() })
		return archive, nil
	case "", "local":
		archive, err := localfs.NewArchive(cfg.StoragePath + "/archive")
		if err != nil {
			return nil, err
		}
		return archive, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

// InvalidateCompanies matches the companies-changed subscriber signature.
func (p *Pipeline) InvalidateCompanies(_ context.Context, clientGroupID int64) error {
	p.CompanyCache.Invalidate(clientGroupID)
	slog.Debug("company_cache_invalidated", "client_group_id", clientGroupID)
	return nil
}

// HandleStageEvent forwards stage events to the scheduler as early ticks.
func (p *Pipeline) HandleStageEvent(ctx context.Context, event domain.StageEvent) error {
	return p.Scheduler.HandleStageEvent(ctx, event)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
