// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the authorization server.
//
// It hands out named meters and tracers for every layer of the library and owns the
// metric instruments recorded by the token endpoint, the storage backends and the
// HTTP handler.
//
// # Quick Start
//
// Instrumentation is disabled unless the application supplies SDK providers:
//
//	import (
//		"github.com/giantswarm/oauth-provider/instrumentation"
//		sdkmetric "go.opentelemetry.io/otel/sdk/metric"
//		sdktrace "go.opentelemetry.io/otel/sdk/trace"
//	)
//
//	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  mp,
//		TracerProvider: tp,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	inst.RegisterShutdown(mp.Shutdown)
//	inst.RegisterShutdown(tp.Shutdown)
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{method, endpoint, status} - Request duration in milliseconds
//
// Token Endpoint:
//   - oauth.token.issued{grant_type, client_id} - Successful grants
//   - oauth.token.failed{grant_type, error} - Grants rejected with an OAuth error
//   - oauth.code.issued{client_id} - Authorization codes minted
//   - oauth.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - oauth.token.refreshed{client_id, scope_narrowed} - Refresh grants
//   - oauth.token.partial{omitted} - Responses that dropped a refresh or ID token
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint} - Rate limit violations
//   - oauth.pkce.validation_failed{method} - PKCE validation failures
//   - oauth.refresh.rotation_conflict - Refresh requests that lost a rotation race
//
// Storage:
//   - oauth.storage.operations.total{operation, result} - Storage operations
//   - oauth.storage.operation.duration{operation} - Operation duration in milliseconds
//
// # Distributed Tracing
//
// Example span structure for a code exchange:
//
//	oauth.http.token
//	└── oauth.server.token
//	    └── oauth.server.authorization_code
//	        ├── storage.consume_verification
//	        ├── storage.get_client
//	        ├── storage.get_user
//	        └── oauth.server.issue_tokens
//	            └── storage.create_session
//
// # Security Considerations
//
// This package collects observability data, not credentials. Callers MUST NOT record
// token values, authorization codes, client secrets or PKCE verifiers as attributes.
// Client IP addresses are only attached to spans when Config.LogClientIPs is set.
package instrumentation
