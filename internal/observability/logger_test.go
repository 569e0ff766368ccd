package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetLoggerLazyInit(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	Log = nil
	if got := GetLogger(context.Background()); got == nil {
		t.Fatal("GetLogger returned nil")
	}
	if Log == nil {
		t.Fatal("lazy init did not install the base logger")
	}
}

func TestGetLoggerAddsSpanContext(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	core, logs := observer.New(zap.InfoLevel)
	Log = zap.New(core)

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	GetLogger(ctx).Info("traced")
	GetLogger(context.Background()).Info("untraced")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	traced := entries[0].ContextMap()
	if traced["trace_id"] != tid.String() || traced["span_id"] != sid.String() {
		t.Errorf("span fields missing or wrong: %v", traced)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("untraced entry unexpectedly carries a trace_id")
	}
}
