package jobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/queue"
)

// postHandler executes a previously materialized HTTP request verbatim. Only
// transport-level failures count against the retry budget; a non-2xx answer
// means the destination received and refused the payload, and replaying it
// will not change its mind.
type postHandler struct {
	deps Deps
}

func (h *postHandler) Handle(ctx context.Context, item queue.Item) error {
	if item.Request == nil || item.Request.URL == "" {
		return fmt.Errorf("%w: post item without a request", queue.ErrDrop)
	}
	req := item.Request
	logger := h.deps.Logger.With("job", "post", "guid", item.GUID, "url", req.URL)

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Data))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", queue.ErrDrop, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Auth != nil {
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	}

	resp, err := h.deps.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	metrics.Get().PostsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("destination refused delivery",
			"status", resp.StatusCode,
			"body", string(body))
	} else {
		logger.Info("delivered", "status", resp.StatusCode)
	}
	return nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
