package export

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/kakehashi/internal/model"
)

const scopeName = "github.com/ashita-ai/kakehashi"

// Dial opens the gRPC connection to the collector endpoint. TLS by default;
// plaintext only when explicitly requested (local collectors, tests).
func Dial(endpoint string, plaintext bool) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("export: dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// encodeBatch builds the OTLP export request for one batch. The resource
// carries the backend's project identity; span ids pass through byte-exact so
// the backend reassembles the same traces the host produced.
func encodeBatch(projectName string, spans []model.ConvertedSpan) *tracecollectorv1.ExportTraceServiceRequest {
	encoded := make([]*tracepb.Span, 0, len(spans))
	for _, span := range spans {
		encoded = append(encoded, encodeSpan(span))
	}

	return &tracecollectorv1.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{
					stringAttr("service.name", projectName),
					stringAttr("model_id", projectName),
				},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName},
				Spans: encoded,
			}},
		}},
	}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func encodeSpan(span model.ConvertedSpan) *tracepb.Span {
	out := &tracepb.Span{
		TraceId:           decodeID(span.TraceID, 16),
		SpanId:            decodeID(span.SpanID, 8),
		Name:              span.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(span.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(span.EndTime.UnixNano()),
		Attributes:        encodeAttributes(span.Attributes),
		Status:            encodeStatus(span.Status),
	}
	if span.ParentSpanID != "" {
		out.ParentSpanId = decodeID(span.ParentSpanID, 8)
	}
	return out
}

// decodeID converts a hex id to exactly size bytes, right-padding short
// inputs with zeros and truncating long ones. Malformed hex degrades to a
// zero id rather than failing the batch.
func decodeID(id string, size int) []byte {
	cleaned := strings.ReplaceAll(id, "-", "")
	if len(cleaned)%2 != 0 {
		cleaned = "0" + cleaned
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return make([]byte, size)
	}
	out := make([]byte, size)
	copy(out, raw)
	return out
}

// encodeAttributes flattens the attribute bag in sorted key order so encoded
// batches are byte-deterministic for identical input.
func encodeAttributes(attrs map[string]any) []*commonpb.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, &commonpb.KeyValue{Key: k, Value: anyValue(attrs[k])})
	}
	return out
}

func anyValue(v any) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case []string:
		values := make([]*commonpb.AnyValue, 0, len(val))
		for _, s := range val {
			values = append(values, anyValue(s))
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
			ArrayValue: &commonpb.ArrayValue{Values: values},
		}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
			StringValue: fmt.Sprintf("%v", val),
		}}
	}
}

func encodeStatus(status model.SpanStatus) *tracepb.Status {
	out := &tracepb.Status{Message: status.Message}
	switch status.Code {
	case model.StatusOK:
		out.Code = tracepb.Status_STATUS_CODE_OK
	case model.StatusError:
		out.Code = tracepb.Status_STATUS_CODE_ERROR
	default:
		out.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return out
}
