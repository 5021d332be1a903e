package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFields_AccumulatesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	ctx = WithFields(ctx, Field{"integration_id", "int-1"})
	ctx = WithFields(ctx, Field{"provider", "telnyx"})

	fields := getObservabilityFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "integration_id", fields[0].Key)
	assert.Equal(t, "provider", fields[1].Key)
}

func TestWithFields_DoesNotMutateParentContext(t *testing.T) {
	parent := WithFields(context.Background(), Field{"a", 1})
	_ = WithFields(parent, Field{"b", 2})
	_ = WithFields(parent, Field{"c", 3})

	fields := getObservabilityFields(parent)
	require.Len(t, fields, 1)
	assert.Equal(t, "a", fields[0].Key)
}

func TestGetObservabilityFields_EmptyContext(t *testing.T) {
	assert.Nil(t, getObservabilityFields(context.Background()))
}
