// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextCarriers(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "s1")
	ctx = ContextWithJobID(ctx, "j1")
	ctx = ContextWithSandboxID(ctx, "b1")

	assert.Equal(t, "s1", SessionIDFromContext(ctx))
	assert.Equal(t, "j1", JobIDFromContext(ctx))
	assert.Equal(t, "b1", SandboxIDFromContext(ctx))

	empty := context.Background()
	assert.Empty(t, SessionIDFromContext(empty))
	assert.Empty(t, JobIDFromContext(empty))
	assert.Empty(t, SandboxIDFromContext(empty))
}

func TestWithContextEnrichesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithSessionID(context.Background(), "s1")
	ctx = ContextWithJobID(ctx, "j1")
	ctx = ContextWithSandboxID(ctx, "b1")
	enriched := WithContext(ctx, base)
	enriched.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "b1", entry["sandbox_id"])
}

func TestWithContextNoFieldsIsPassthrough(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	plain := WithContext(context.Background(), base)
	plain.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["session_id"]
	assert.False(t, ok)
}
