package verification

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/presence/internal/middleware"
)

const verifyServerSpan = "POST /v1/attendance/verify"

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

// serveVerify runs one verification behind the tracing middleware the way
// the verify route does.
func serveVerify(t *testing.T, h *harness, in Input) (*Result, error) {
	t.Helper()
	var (
		res *Result
		err error
	)
	handler := middleware.Tracing("presence-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err = h.orch.Verify(r.Context(), in)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/attendance/verify", nil))
	return res, err
}

func spansByName(recorder *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	return spans
}

func stringAttr(s sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestVerify_SpanTree(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t, 0.75, 0.9)

	res, err := serveVerify(t, h, validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.State != StateAccepted {
		t.Fatalf("state = %s, want Accepted", res.State)
	}

	spans := spansByName(recorder)
	if len(spans) != 5 {
		names := make([]string, 0, len(spans))
		for name := range spans {
			names = append(names, name)
		}
		t.Fatalf("spans = %v, want server, verify and three stage spans", names)
	}

	server, verify := spans[verifyServerSpan], spans["verification.verify"]
	if server == nil || verify == nil {
		t.Fatalf("missing %q or verification.verify span", verifyServerSpan)
	}
	if verify.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Error("verification.verify is not a child of the server span")
	}
	if got := stringAttr(verify, "verification.attempt_id"); got != res.AttemptID {
		t.Errorf("verification.attempt_id = %q, want %q", got, res.AttemptID)
	}
	if got := stringAttr(verify, "verification.period_key"); got != res.PeriodKey {
		t.Errorf("verification.period_key = %q, want %q", got, res.PeriodKey)
	}

	events := verify.Events()
	if len(events) != 1 || events[0].Name != "verification.decided" {
		t.Fatalf("verify events = %+v, want verification.decided", events)
	}
	for _, kv := range events[0].Attributes {
		if kv.Key == "outcome" && kv.Value.AsString() != res.Label() {
			t.Errorf("decided outcome = %q, want %q", kv.Value.AsString(), res.Label())
		}
	}

	for _, name := range []string{"verification.network", "verification.liveness", "verification.match"} {
		stage := spans[name]
		if stage == nil {
			t.Errorf("missing %s span", name)
			continue
		}
		if stage.Parent().SpanID() != verify.SpanContext().SpanID() {
			t.Errorf("%s is not a child of verification.verify", name)
		}
		if stage.SpanContext().TraceID() != server.SpanContext().TraceID() {
			t.Errorf("%s left the request trace", name)
		}
		if stage.Status().Code == codes.Error {
			t.Errorf("%s status = Error on an accepted attempt", name)
		}
	}
}

func TestVerify_SpansStopAtRejection(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t, 0.75, 0.9)

	in := validInput()
	in.NetworkName = "Guest-WiFi"
	in.ClientAddress = "192.168.1.20"
	res, err := serveVerify(t, h, in)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Reason != ReasonNetworkDenied {
		t.Fatalf("reason = %s, want NetworkDenied", res.Reason)
	}

	spans := spansByName(recorder)
	if spans["verification.network"] == nil {
		t.Error("missing verification.network span")
	}
	for _, name := range []string{"verification.liveness", "verification.match"} {
		if spans[name] != nil {
			t.Errorf("%s span recorded after a network rejection", name)
		}
	}
	// A rejection is a decision, not a failure.
	verify := spans["verification.verify"]
	if verify == nil {
		t.Fatal("missing verification.verify span")
	}
	if verify.Status().Code == codes.Error {
		t.Errorf("verification.verify status = %v, want unset", verify.Status())
	}
}

func TestVerify_CapabilityFailureMarksSpans(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t, 0.75, 0.9)
	h.scorer.err = errors.New("liveness service returned 502")

	res, err := serveVerify(t, h, validInput())
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrCapabilityUnavailable", err)
	}

	spans := spansByName(recorder)
	for _, name := range []string{"verification.liveness", "verification.verify"} {
		s := spans[name]
		if s == nil {
			t.Fatalf("missing %s span", name)
		}
		if s.Status().Code != codes.Error {
			t.Errorf("%s status = %v, want Error", name, s.Status().Code)
		}
	}
	if spans["verification.match"] != nil {
		t.Error("verification.match span recorded after liveness was unavailable")
	}
	if got := stringAttr(spans["verification.verify"], "verification.attempt_id"); got != res.AttemptID {
		t.Errorf("verification.attempt_id = %q, want %q so the 503 can be traced", got, res.AttemptID)
	}
}
