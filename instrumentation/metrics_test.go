package instrumentation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newRecordingInstrumentation returns instrumentation backed by a manual reader
func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := New(Config{Enabled: true, MeterProvider: mp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inst.RegisterShutdown(mp.Shutdown)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

// sumFor returns the total of an int64 counter across data points matching attr
func sumFor(t *testing.T, reader *sdkmetric.ManualReader, name string, attr *attribute.KeyValue) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data type %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if attr != nil {
					v, found := dp.Attributes.Value(attr.Key)
					if !found || v != attr.Value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	ctx := context.Background()

	tests := []struct {
		method     string
		endpoint   string
		statusCode int
	}{
		{"POST", "/oauth2/token", 200},
		{"POST", "/oauth2/token", 400},
		{"GET", "/oauth2/authorize", 302},
	}
	for _, tt := range tests {
		inst.Metrics().RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, 12.5)
	}

	if got := sumFor(t, reader, "oauth.http.requests.total", nil); got != 3 {
		t.Errorf("oauth.http.requests.total = %d, want 3", got)
	}
	bad := attribute.Int("status", 400)
	if got := sumFor(t, reader, "oauth.http.requests.total", &bad); got != 1 {
		t.Errorf("oauth.http.requests.total{status=400} = %d, want 1", got)
	}
}

func TestMetrics_RecordTokenOutcomes(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordTokenIssued(ctx, "authorization_code", "c1")
	m.RecordTokenIssued(ctx, "refresh_token", "c1")
	m.RecordTokenIssued(ctx, "refresh_token", "c2")
	m.RecordTokenFailure(ctx, "authorization_code", "invalid_grant")
	m.RecordCodeExchange(ctx, "c1", "S256")
	m.RecordTokenRefresh(ctx, "c1", true)
	m.RecordCodeIssued(ctx, "c1")
	m.RecordPartialResponse(ctx, "id_token")

	refresh := attribute.String("grant_type", "refresh_token")
	if got := sumFor(t, reader, "oauth.token.issued", &refresh); got != 2 {
		t.Errorf("oauth.token.issued{grant_type=refresh_token} = %d, want 2", got)
	}

	wantOnes := []string{
		"oauth.token.failed",
		"oauth.code.exchanged",
		"oauth.token.refreshed",
		"oauth.code.issued",
		"oauth.token.partial",
	}
	for _, name := range wantOnes {
		if got := sumFor(t, reader, name, nil); got != 1 {
			t.Errorf("%s = %d, want 1", name, got)
		}
	}
}

func TestMetrics_RecordSecurityEvents(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordRateLimitExceeded(ctx, "/oauth2/token")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordRotationConflict(ctx)

	if got := sumFor(t, reader, "oauth.rate_limit.exceeded", nil); got != 1 {
		t.Errorf("oauth.rate_limit.exceeded = %d, want 1", got)
	}
	if got := sumFor(t, reader, "oauth.pkce.validation_failed", nil); got != 2 {
		t.Errorf("oauth.pkce.validation_failed = %d, want 2", got)
	}
	if got := sumFor(t, reader, "oauth.refresh.rotation_conflict", nil); got != 1 {
		t.Errorf("oauth.refresh.rotation_conflict = %d, want 1", got)
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordStorageOperation(ctx, "consume_verification", "success", 0.4)
	inst.Metrics().RecordStorageOperation(ctx, "consume_verification", "not_found", 0.2)

	notFound := attribute.String("result", "not_found")
	if got := sumFor(t, reader, "oauth.storage.operations.total", &notFound); got != 1 {
		t.Errorf("oauth.storage.operations.total{result=not_found} = %d, want 1", got)
	}
}

func TestMetrics_NoOpDoesNotPanic(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 1)
	m.RecordTokenIssued(ctx, "client_credentials", "svc")
	m.RecordTokenFailure(ctx, "client_credentials", "invalid_client")
	m.RecordRotationConflict(ctx)
	m.RecordStorageOperation(ctx, "get_client", "success", 1)
}
