package logging

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/Gerharddc/litterbox/internal/version"
)

// OTLP transports.
const (
	ProtocolHTTPJSON     = "http"
	ProtocolHTTPProtobuf = "http/protobuf"
	ProtocolGRPC         = "grpc"
)

const scopeName = "litterbox"

// OTLPConfig configures an OTLPWriter.
type OTLPConfig struct {
	// Endpoint is a URL for the HTTP transports
	// ("http://localhost:4318/v1/logs") or host:port for gRPC.
	Endpoint string
	// Protocol is one of the Protocol constants; default http (JSON).
	Protocol string
	Headers  map[string]string
	// BatchSize entries trigger a flush; default 100.
	BatchSize int
	// FlushInterval bounds how long entries stay buffered; default 1s.
	FlushInterval time.Duration
	// Timeout bounds one export; default 10s.
	Timeout time.Duration
	// Insecure disables TLS for gRPC.
	Insecure bool
	// ResourceAttributes are added next to service.name and service.version.
	ResourceAttributes map[string]string
	// Local records export failures (optional).
	Local *LocalLog
}

// OTLPWriter batches entries and exports them to an OpenTelemetry
// collector.
type OTLPWriter struct {
	cfg      OTLPConfig
	resource *resourcepb.Resource

	httpClient *http.Client
	grpcConn   *grpc.ClientConn
	grpcClient collectorlogs.LogsServiceClient

	mu      sync.Mutex
	buffer  []*Entry
	closing bool

	done     chan struct{}
	loopDone sync.WaitGroup
	sends    sync.WaitGroup
}

// NewOTLPWriter validates cfg, sets up the transport and starts the flush
// loop.
func NewOTLPWriter(cfg OTLPConfig) (*OTLPWriter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolHTTPJSON
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	w := &OTLPWriter{
		cfg:      cfg,
		resource: buildResource(cfg.ResourceAttributes),
		done:     make(chan struct{}),
	}

	switch cfg.Protocol {
	case ProtocolGRPC:
		creds := credentials.NewTLS(nil)
		if cfg.Insecure {
			creds = insecure.NewCredentials()
		}
		conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gRPC: %w", err)
		}
		w.grpcConn = conn
		w.grpcClient = collectorlogs.NewLogsServiceClient(conn)
	case ProtocolHTTPJSON, ProtocolHTTPProtobuf:
		w.httpClient = &http.Client{Timeout: cfg.Timeout}
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q (use %s, %s or %s)",
			cfg.Protocol, ProtocolHTTPJSON, ProtocolHTTPProtobuf, ProtocolGRPC)
	}

	w.loopDone.Add(1)
	go w.flushLoop()
	return w, nil
}

// Write buffers entry, flushing when the batch is full.
func (w *OTLPWriter) Write(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return fmt.Errorf("OTLP writer is closed")
	}
	w.buffer = append(w.buffer, entry)
	if len(w.buffer) >= w.cfg.BatchSize {
		w.flushLocked()
	}
	return nil
}

// Close exports what is buffered, waits for in-flight exports and closes
// the transport.
func (w *OTLPWriter) Close() error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	w.mu.Unlock()

	close(w.done)
	w.loopDone.Wait()

	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()
	w.sends.Wait()

	if w.grpcConn != nil {
		return w.grpcConn.Close()
	}
	return nil
}

func (w *OTLPWriter) flushLoop() {
	defer w.loopDone.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.flushLocked()
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// flushLocked hands the buffer to a background export. Caller holds mu.
func (w *OTLPWriter) flushLocked() {
	if len(w.buffer) == 0 {
		return
	}
	req := w.buildRequest(w.buffer)
	w.buffer = nil

	w.sends.Add(1)
	go func() {
		defer w.sends.Done()
		w.export(req)
	}()
}

func (w *OTLPWriter) export(req *collectorlogs.ExportLogsServiceRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	n := len(req.ResourceLogs[0].ScopeLogs[0].LogRecords)
	if w.grpcClient != nil {
		if len(w.cfg.Headers) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, metadata.New(w.cfg.Headers))
		}
		if _, err := w.grpcClient.Export(ctx, req); err != nil {
			w.cfg.Local.Logf(LevelError, "otlp", "failed to export %d entries to %s: %v", n, w.cfg.Endpoint, err)
		}
		return
	}

	body, contentType, err := w.encode(req)
	if err != nil {
		w.cfg.Local.LogError("otlp", "encode export request", err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		w.cfg.Local.LogError("otlp", "create export request", err)
		return
	}
	httpReq.Header.Set("Content-Type", contentType)
	for k, v := range w.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		w.cfg.Local.Logf(LevelError, "otlp", "failed to send %d entries to %s: %v", n, w.cfg.Endpoint, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		w.cfg.Local.Logf(LevelError, "otlp", "%s returned status %d for %d entries", w.cfg.Endpoint, resp.StatusCode, n)
	}
}

func (w *OTLPWriter) encode(req *collectorlogs.ExportLogsServiceRequest) ([]byte, string, error) {
	if w.cfg.Protocol == ProtocolHTTPProtobuf {
		body, err := proto.Marshal(req)
		return body, "application/x-protobuf", err
	}
	// OTLP/JSON requires numeric enums.
	body, err := protojson.MarshalOptions{UseEnumNumbers: true}.Marshal(req)
	return body, "application/json", err
}

func (w *OTLPWriter) buildRequest(entries []*Entry) *collectorlogs.ExportLogsServiceRequest {
	now := uint64(time.Now().UnixNano())
	records := make([]*logspb.LogRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, &logspb.LogRecord{
			TimeUnixNano:         uint64(e.Timestamp.UnixNano()),
			ObservedTimeUnixNano: now,
			SeverityNumber:       severity(e.Level),
			SeverityText:         string(e.Level),
			Body:                 stringValue(e.Message),
			Attributes:           attributes(e.Fields),
		})
	}

	return &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: w.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName, Version: version.Version},
				LogRecords: records,
			}},
		}},
	}
}

func buildResource(extra map[string]string) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{
		{Key: "service.name", Value: stringValue("litterbox")},
		{Key: "service.version", Value: stringValue(version.Version)},
		{Key: "service.commit", Value: stringValue(version.Commit)},
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, &commonpb.KeyValue{Key: k, Value: stringValue(extra[k])})
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func severity(level Level) logspb.SeverityNumber {
	switch level {
	case LevelDebug:
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case LevelWarn:
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case LevelError:
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	}
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

// attributes converts entry fields in key order.
func attributes(fields map[string]any) []*commonpb.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*commonpb.KeyValue, 0, len(fields))
	for _, k := range keys {
		var v *commonpb.AnyValue
		switch val := fields[k].(type) {
		case string:
			v = stringValue(val)
		case int:
			v = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
		case int64:
			v = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
		case bool:
			v = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
		case float64:
			v = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
		default:
			v = stringValue(fmt.Sprint(val))
		}
		out = append(out, &commonpb.KeyValue{Key: k, Value: v})
	}
	return out
}
