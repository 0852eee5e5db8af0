package bigquery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ST33ZEmachine/printshop/pkg/store"
	"google.golang.org/api/googleapi"
)

// isStreamingBufferError reports whether an error is BigQuery rejecting DML
// because the affected rows are still in the streaming buffer. The API
// signals this as a 400 whose message names the buffer; there is no
// structured reason code for it.
func isStreamingBufferError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code != 400 {
			return false
		}
		return containsStreamingBuffer(apiErr.Message) || containsStreamingBuffer(apiErr.Body)
	}
	return containsStreamingBuffer(err.Error())
}

func containsStreamingBuffer(s string) bool {
	return strings.Contains(strings.ToLower(s), "streaming buffer")
}

// classifyDML maps a DML error into the store taxonomy: streaming-buffer
// rejections become ErrDeferred, everything else is permanent.
func classifyDML(op string, err error) error {
	if err == nil {
		return nil
	}
	if isStreamingBufferError(err) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrDeferred, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
