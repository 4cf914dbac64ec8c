package kakehashi

import (
	"log/slog"
	"time"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults. Unexported —
// callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	endpoint      string
	spaceID       string
	apiKey        string
	projectName   string
	batchSize     int
	flushInterval time.Duration
	queueCapacity int
	maxRetries    int
	insecure      bool
	client        tracecollectorv1.TraceServiceClient
}

// WithLogger sets the structured logger for the Pipeline.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and self-telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEndpoint overrides the collector endpoint from config
// (KAKEHASHI_ENDPOINT env var).
func WithEndpoint(endpoint string) Option {
	return func(o *resolvedOptions) { o.endpoint = endpoint }
}

// WithCredentials overrides the collector credentials from config
// (KAKEHASHI_SPACE_ID / KAKEHASHI_API_KEY env vars).
func WithCredentials(spaceID, apiKey string) Option {
	return func(o *resolvedOptions) {
		o.spaceID = spaceID
		o.apiKey = apiKey
	}
}

// WithProjectName overrides the project the backend files spans under
// (KAKEHASHI_PROJECT_NAME env var).
func WithProjectName(name string) Option {
	return func(o *resolvedOptions) { o.projectName = name }
}

// WithBatchSize overrides the export batch size (KAKEHASHI_BATCH_SIZE env var).
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithFlushInterval overrides the periodic flush interval
// (KAKEHASHI_FLUSH_INTERVAL env var).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithQueueCapacity overrides the span queue capacity
// (KAKEHASHI_QUEUE_CAPACITY env var).
func WithQueueCapacity(n int) Option {
	return func(o *resolvedOptions) { o.queueCapacity = n }
}

// WithMaxRetries overrides the per-batch delivery attempt limit
// (KAKEHASHI_MAX_RETRIES env var).
func WithMaxRetries(n int) Option {
	return func(o *resolvedOptions) { o.maxRetries = n }
}

// WithInsecure enables plaintext gRPC (KAKEHASHI_INSECURE env var). For local
// collectors and tests only.
func WithInsecure() Option {
	return func(o *resolvedOptions) { o.insecure = true }
}

// WithTraceServiceClient injects a collector client, bypassing Dial. Tests
// use this to substitute a fake collector; no credentials are required.
func WithTraceServiceClient(client tracecollectorv1.TraceServiceClient) Option {
	return func(o *resolvedOptions) { o.client = client }
}
