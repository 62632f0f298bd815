package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

var errStreamClosed = errors.New("event stream closed before the job finished")

const maxEventSize = 1 << 20

// Watch follows a job's progress stream and calls fn for every event until
// the terminal one. A dropped connection is re-established with backoff;
// events already delivered are not repeated. An error from fn stops the watch
// and is returned as is.
func (c *Client) Watch(ctx context.Context, id uuid.UUID, fn func(models.ProgressEvent) error) error {
	var last uint64
	seen := false
	deliver := func(evt models.ProgressEvent) error {
		if seen && evt.Seq <= last {
			return nil
		}
		seen, last = true, evt.Seq
		if err := fn(evt); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	op := func() error {
		done, err := c.readEvents(ctx, id, deliver)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !done {
			return errStreamClosed
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectWait
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxReconnects), ctx))
}

// readEvents reads one SSE connection. It reports whether a terminal event
// was delivered before the stream ended.
func (c *Client) readEvents(ctx context.Context, id uuid.UUID, fn func(models.ProgressEvent) error) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+id.String()+"/events", nil, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return false, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt models.ProgressEvent
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return false, backoff.Permanent(fmt.Errorf("decoding progress event: %w", err))
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return false, err
			}
			if evt.Terminal {
				return true, nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, classifyError(err)
	}
	return false, nil
}
