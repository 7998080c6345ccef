package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"subwatch/pkg/logx"
)

// maxBody caps how much of a response we are willing to buffer.
const maxBody = 8 << 20

// doJSON performs the request with retries and decodes the body into out.
// build must construct a fresh request per attempt so bodies can be re-read.
func doJSON(ctx context.Context, client *http.Client, log logx.Logger, build func(ctx context.Context) (*http.Request, error), out any) error {
	return retry.Do(
		func() error {
			req, err := build(ctx)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if req.Header.Get("User-Agent") == "" {
				req.Header.Set("User-Agent", userAgent)
			}

			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			log.Debug("http request done",
				logx.String("url", req.URL.Redacted()),
				logx.Int("status", resp.StatusCode),
				logx.Duration("elapsed", time.Since(start)))

			switch {
			case resp.StatusCode == http.StatusOK:
			case resp.StatusCode == http.StatusTooManyRequests,
				resp.StatusCode >= http.StatusInternalServerError:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			default:
				// Other client errors will not fix themselves by retrying.
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if err := json.Unmarshal(body, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode body: %w", err))
			}
			return nil
		},
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(15*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("retrying fetch", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
}
