package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityContext(t *testing.T) {
	t.Run("empty context has zero identity", func(t *testing.T) {
		assert.True(t, IdentityFromContext(context.Background()).IsZero())
	})

	t.Run("round trips through context", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{TenantID: "t-1", UserID: "u-9"})
		got := IdentityFromContext(ctx)
		assert.Equal(t, "t-1", got.TenantID)
		assert.Equal(t, "u-9", got.UserID)
		assert.False(t, got.IsZero())
	})
}

func TestServiceError(t *testing.T) {
	err := &ServiceError{Code: "NOT_FOUND", Message: "job not found: x"}
	assert.EqualError(t, err, "job not found: x")
}
