package bigquery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/ST33ZEmachine/printshop/pkg/store"
)

func TestIsStreamingBufferError(t *testing.T) {
	buffered := &googleapi.Error{
		Code:    400,
		Message: "UPDATE or DELETE statement over table would affect rows in the streaming buffer, which is not supported",
	}
	assert.True(t, isStreamingBufferError(buffered))
	assert.True(t, isStreamingBufferError(fmt.Errorf("job failed: %w", buffered)))

	// Same message in the body only.
	assert.True(t, isStreamingBufferError(&googleapi.Error{
		Code: 400,
		Body: `{"error":{"message":"rows in the streaming buffer"}}`,
	}))

	// A 400 for a different reason is permanent.
	assert.False(t, isStreamingBufferError(&googleapi.Error{Code: 400, Message: "invalid query"}))
	// Buffer wording under a non-400 code is something else.
	assert.False(t, isStreamingBufferError(&googleapi.Error{Code: 503, Message: "streaming buffer"}))

	// Unstructured errors fall back to message matching.
	assert.True(t, isStreamingBufferError(errors.New("affect rows in the streaming buffer")))
	assert.False(t, isStreamingBufferError(errors.New("connection reset")))
	assert.False(t, isStreamingBufferError(nil))
}

func TestClassifyDML(t *testing.T) {
	assert.NoError(t, classifyDML("update", nil))

	deferred := classifyDML("update cards_current", &googleapi.Error{
		Code: 400, Message: "would affect rows in the streaming buffer",
	})
	assert.ErrorIs(t, deferred, store.ErrDeferred)
	assert.Contains(t, deferred.Error(), "update cards_current")

	permanent := classifyDML("update cards_current", errors.New("query error"))
	assert.Error(t, permanent)
	assert.NotErrorIs(t, permanent, store.ErrDeferred)
}
