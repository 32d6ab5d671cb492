package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, Ctx(ctx))

	custom := slog.Default()
	ctx = With(ctx, custom)
	assert.Same(t, custom, Ctx(ctx))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "NO1 spot price", Sanitize("NO1 spot price"))
	assert.Equal(t, "abc", Sanitize("a\x00b\nc"))
	assert.Equal(t, "kr 1.50", Sanitize("kr\t1.50\x1b[0m"))
	assert.Equal(t, "", Sanitize("\r\n\x07"))
}
