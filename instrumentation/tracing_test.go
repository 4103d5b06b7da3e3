package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, recorder
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestRecordError(t *testing.T) {
	inst, recorder := newTracedInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "failing")
	RecordError(span, errors.New("storage unavailable"))
	span.End()

	ended := recorder.Ended()[0]
	if ended.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended.Status().Code)
	}
	if ended.Status().Description != "storage unavailable" {
		t.Errorf("status description = %q", ended.Status().Description)
	}
	if len(ended.Events()) == 0 {
		t.Error("expected an exception event to be recorded")
	}
}

func TestSetSpanSuccessAndError(t *testing.T) {
	inst, recorder := newTracedInstrumentation(t)
	ctx := context.Background()

	_, ok := inst.Tracer("server").Start(ctx, "ok")
	SetSpanSuccess(ok)
	ok.End()

	_, bad := inst.Tracer("server").Start(ctx, "bad")
	SetSpanError(bad, "invalid_grant")
	bad.End()

	ended := recorder.Ended()
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("first span status = %v, want Ok", ended[0].Status().Code)
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "invalid_grant" {
		t.Errorf("second span status = %+v, want Error/invalid_grant", ended[1].Status())
	}
}

func TestAttributeHelpers(t *testing.T) {
	inst, recorder := newTracedInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "token")
	AddGrantAttributes(span, "refresh_token", "c1")
	AddOAuthFlowAttributes(span, "", "u1", "openid email")
	AddPKCEAttributes(span, "S256")
	AddSessionAttributes(span, "sess-1", true)
	AddIssuedTokenAttributes(span, true, false, 600)
	AddOAuthErrorAttributes(span, "invalid_scope", "")
	AddStorageAttributes(span, "rotate_session", "memory")
	AddHTTPAttributes(span, "POST", "/oauth2/token", 200)
	AddSecurityAttributes(span, "192.0.2.1")
	span.End()

	attrs := attrMap(recorder.Ended()[0])
	want := map[attribute.Key]attribute.Value{
		AttrGrantType:        attribute.StringValue("refresh_token"),
		AttrClientID:         attribute.StringValue("c1"),
		AttrUserID:           attribute.StringValue("u1"),
		AttrScope:            attribute.StringValue("openid email"),
		AttrPKCEMethod:       attribute.StringValue("S256"),
		AttrSessionID:        attribute.StringValue("sess-1"),
		AttrTokenRotated:     attribute.BoolValue(true),
		AttrRefreshIssued:    attribute.BoolValue(true),
		AttrIDTokenIssued:    attribute.BoolValue(false),
		AttrExpiresIn:        attribute.Int64Value(600),
		AttrError:            attribute.StringValue("invalid_scope"),
		AttrStorageOperation: attribute.StringValue("rotate_session"),
		AttrStorageType:      attribute.StringValue("memory"),
		AttrHTTPMethod:       attribute.StringValue("POST"),
		AttrHTTPStatusCode:   attribute.IntValue(200),
		AttrClientIP:         attribute.StringValue("192.0.2.1"),
	}
	for k, v := range want {
		if got, ok := attrs[k]; !ok || got != v {
			t.Errorf("attribute %s = %v (present=%v), want %v", k, got.Emit(), ok, v.Emit())
		}
	}
	if _, ok := attrs[AttrErrorDescription]; ok {
		t.Error("empty error description should not be recorded")
	}
}

func TestAttributeHelpers_SkipEmptyValues(t *testing.T) {
	inst, recorder := newTracedInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "empty")
	AddGrantAttributes(span, "", "")
	AddOAuthFlowAttributes(span, "", "", "")
	AddPKCEAttributes(span, "")
	AddSessionAttributes(span, "", false)
	AddSecurityAttributes(span, "")
	span.End()

	if got := len(recorder.Ended()[0].Attributes()); got != 0 {
		t.Errorf("recorded %d attributes, want 0", got)
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "ignored")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddGrantAttributes(nil, "authorization_code", "c1")
	AddOAuthFlowAttributes(nil, "c1", "u1", "openid")
	AddPKCEAttributes(nil, "S256")
	AddSessionAttributes(nil, "s1", true)
	AddIssuedTokenAttributes(nil, true, true, 600)
	AddOAuthErrorAttributes(nil, "server_error", "boom")
	AddStorageAttributes(nil, "get_user", "redis")
	AddHTTPAttributes(nil, "GET", "/oauth2/jwks", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}
