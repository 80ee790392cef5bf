package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKey_String(t *testing.T) {
	key := contextKey("testKey")
	assert.Equal(t, "tradeya-migration context key testKey", key.String())
}

func TestContextKeys_Usage(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, RequestIDKey, "req-456")
	ctx = context.WithValue(ctx, CollectionKey, "trades")
	ctx = context.WithValue(ctx, RunIDKey, "run-789")
	ctx = context.WithValue(ctx, ComponentKey, "component-logger")
	ctx = context.WithValue(ctx, OperationKey, "operation-backfill")

	assert.Equal(t, "req-456", ctx.Value(RequestIDKey))
	assert.Equal(t, "trades", ctx.Value(CollectionKey))
	assert.Equal(t, "run-789", ctx.Value(RunIDKey))
	assert.Equal(t, "component-logger", ctx.Value(ComponentKey))
	assert.Equal(t, "operation-backfill", ctx.Value(OperationKey))
}
