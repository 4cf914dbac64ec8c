// Package kakehashi converts AI-agent runtime spans into OpenInference
// semantics and ships them to an OTLP trace collector.
//
// The host wires its span lifecycle into a Pipeline:
//
//	p, err := kakehashi.New(
//	    kakehashi.WithLogger(logger),
//	    kakehashi.WithProjectName("my-agent"),
//	)
//	if err != nil { ... }
//	p.Start(ctx)
//	// per span: p.OnSpanStart(span) ... p.OnSpanEnd(span)
//	defer p.Shutdown(context.Background())
//
// Hosts instrumented with the OTel Go SDK mount NewSpanProcessor(p) on their
// TracerProvider instead of calling the hooks directly.
//
// The import graph enforces a strict no-cycle rule: kakehashi (root) imports
// internal/*, but internal/* never imports kakehashi (root). Public types
// (Span, Stats) are standalone structs; the boundary converters live in this
// package because it is the only one that sees both sides.
package kakehashi

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/ashita-ai/kakehashi/internal/config"
	"github.com/ashita-ai/kakehashi/internal/convert"
	"github.com/ashita-ai/kakehashi/internal/export"
	"github.com/ashita-ai/kakehashi/internal/hierarchy"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
)

// Pipeline owns the full conversion and export path. Construct with New(),
// start the exporter with Start(), stop with Shutdown(). All state hangs off
// the instance; two pipelines in one process do not interfere.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger

	tracker   *hierarchy.Tracker
	converter *convert.Converter
	queue     *queue.Queue
	exporter  *export.Exporter

	conn         *grpc.ClientConn // nil when the client was injected
	otelShutdown telemetry.Shutdown

	converted atomic.Int64
	malformed atomic.Int64
}

// New builds a ready-to-start Pipeline from environment configuration plus
// option overrides. It dials the collector unless a client is injected, but
// starts no goroutines besides the hierarchy janitor — call Start().
func New(opts ...Option) (*Pipeline, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.spaceID != "" {
		cfg.SpaceID = o.spaceID
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.projectName != "" {
		cfg.ProjectName = o.projectName
	}
	if o.batchSize != 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.flushInterval != 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.queueCapacity != 0 {
		cfg.QueueCapacity = o.queueCapacity
	}
	if o.maxRetries != 0 {
		cfg.MaxRetries = o.maxRetries
	}
	if o.insecure {
		cfg.Insecure = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kakehashi starting",
		"version", version,
		"endpoint", cfg.Endpoint,
		"project", cfg.ProjectName,
	)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, "kakehashi", version, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var conn *grpc.ClientConn
	client := o.client
	if client == nil {
		if cfg.SpaceID == "" || cfg.APIKey == "" {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("kakehashi: KAKEHASHI_SPACE_ID and KAKEHASHI_API_KEY are required for network export")
		}
		conn, err = export.Dial(cfg.Endpoint, cfg.Insecure)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
		client = tracecollectorv1.NewTraceServiceClient(conn)
	}

	tracker := hierarchy.New(cfg.PendingParentLimit, cfg.TraceIdleTimeout, logger)
	q := queue.New(cfg.QueueCapacity, cfg.BatchSize, logger)
	exporter := export.New(client, q, export.Config{
		ProjectName:    cfg.ProjectName,
		SpaceID:        cfg.SpaceID,
		APIKey:         cfg.APIKey,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, logger)

	return &Pipeline{
		cfg:          cfg,
		logger:       logger,
		tracker:      tracker,
		converter:    convert.NewConverter(tracker, logger),
		queue:        q,
		exporter:     exporter,
		conn:         conn,
		otelShutdown: otelShutdown,
	}, nil
}

// Start registers metrics and launches the background export loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.queue.RegisterMetrics()
	p.exporter.Start(ctx)
}

// OnSpanStart records a started span with the hierarchy tracker. It never
// blocks on I/O and is safe to call from concurrent producers.
func (p *Pipeline) OnSpanStart(span Span) {
	p.converter.OnStart(toNativeSpan(span))
}

// OnSpanEnd converts the ended span and enqueues it for export. Malformed
// spans are logged and counted, never surfaced to the host.
func (p *Pipeline) OnSpanEnd(span Span) {
	converted, err := p.converter.Convert(toNativeSpan(span))
	if err != nil {
		p.malformed.Add(1)
		p.logger.Error("kakehashi: dropping malformed span", "error", err)
		return
	}
	p.queue.Push(converted)
	p.converted.Add(1)
}

// Flush synchronously drains the queue to the collector. Blocks until the
// queue is empty or ctx expires.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.exporter.Flush(ctx)
	return ctx.Err()
}

// Shutdown performs the final flush and releases all resources. The wait is
// bounded by ctx, falling back to the configured shutdown timeout when ctx
// has no deadline; past the bound, shutdown proceeds regardless of outcome.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	p.exporter.Drain(ctx)
	p.tracker.Close()

	var firstErr error
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	p.logger.Info("kakehashi stopped",
		"exported", p.exporter.Exported(),
		"dropped_queue", p.queue.Dropped(),
		"dropped_export", p.exporter.Dropped(),
	)
	return firstErr
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Converted:      p.converted.Load(),
		Malformed:      p.malformed.Load(),
		Exported:       p.exporter.Exported(),
		ExportFailures: p.exporter.FailedAttempts(),
		DroppedQueue:   p.queue.Dropped(),
		DroppedExport:  p.exporter.Dropped(),
	}
}
