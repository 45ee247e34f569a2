package observe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel/metric"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   log.Lvl
		wantOK bool
	}{
		{"debug", log.DEBUG, true},
		{"INFO", log.INFO, true},
		{"", log.WARN, true},
		{"error", log.ERROR, true},
		{"off", log.OFF, true},
		{"loud", log.WARN, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("classifier", "info", &buf)

	logger.Debugf("hidden")
	logger.Infof("tokenized entry %d", 1111)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message logged at info level: %q", out)
	}
	if !strings.Contains(out, "tokenized entry 1111") {
		t.Errorf("info message missing: %q", out)
	}
}

func TestSetup_Metrics(t *testing.T) {
	ctx := context.Background()
	tel, err := Setup(ctx, Config{ServiceName: "classifier", Version: "test", Metrics: true})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer tel.Shutdown(ctx)

	if tel.Handler == nil {
		t.Fatal("Handler is nil with metrics enabled")
	}

	counter, err := tel.Meter.Int64Counter("test.events", metric.WithDescription("test events"))
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_events") {
		t.Errorf("exposition does not contain the counter:\n%s", rec.Body.String())
	}
}

func TestSetup_Tracing(t *testing.T) {
	ctx := context.Background()
	tel, err := Setup(ctx, Config{ServiceName: "classifier", Tracing: true, TraceWriter: io.Discard})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	_, span := tel.Tracer.Start(ctx, "job")
	if !span.SpanContext().IsValid() {
		t.Error("span context is not valid with tracing enabled")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNoop(t *testing.T) {
	tel := Noop()
	if tel.Handler != nil {
		t.Error("Noop().Handler should be nil")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
