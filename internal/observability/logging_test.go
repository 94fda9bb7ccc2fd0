package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func attrMap(attrs []slog.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.String()
	}
	return m
}

func TestLogAttrsEmpty(t *testing.T) {
	assert.Empty(t, LogAttrs(context.Background()))
}

func TestContextAccumulates(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-123")
	ctx = WithPipeline(ctx, "exchange-rate")
	ctx = WithStage(ctx, "build_and_deploy")

	m := attrMap(LogAttrs(ctx))
	assert.Equal(t, "run-123", m["run.id"])
	assert.Equal(t, "exchange-rate", m["pipeline"])
	assert.Equal(t, "build_and_deploy", m["stage"])
}

func TestStageOverride(t *testing.T) {
	ctx := WithStage(WithRunID(context.Background(), "run-1"), "test")
	inner := WithStage(ctx, "deploy")

	assert.Equal(t, "test", attrMap(LogAttrs(ctx))["stage"])
	assert.Equal(t, "deploy", attrMap(LogAttrs(inner))["stage"])
}
