package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// QQ delivers through a Lagrange.OneBot HTTP endpoint.
type QQ struct {
	baseURL     string
	accessToken string
	client      *http.Client
	log         logx.Logger
}

func NewQQ(host string, port int, accessToken string, log logx.Logger) *QQ {
	return &QQ{
		baseURL:     fmt.Sprintf("http://%s:%d", host, port),
		accessToken: accessToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log.With(logx.String("channel", "qq")),
	}
}

func (q *QQ) Platform() string { return "qq" }

type onebotResponse struct {
	Status  string `json:"status"`
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
}

func (q *QQ) Deliver(ctx context.Context, target Target, ev snapshot.Event) error {
	action := "send_private_msg"
	payload := map[string]any{
		"message": []map[string]any{
			{"type": "text", "data": map[string]any{"text": Render(ev).Text}},
		},
	}
	if groupID, ok := paramInt64(target.Params, "group_id"); ok {
		action = "send_group_msg"
		payload["group_id"] = groupID
	} else if userID, ok := paramInt64(target.Params, "user_id"); ok {
		payload["user_id"] = userID
	} else {
		return errors.New(`qq target has neither "group_id" nor "user_id"`)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/"+action, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if q.accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+q.accessToken)
			}

			resp, err := q.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			var ob onebotResponse
			if err := json.Unmarshal(raw, &ob); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if ob.Retcode != 0 {
				return retry.Unrecoverable(fmt.Errorf("%s failed: retcode %d %s", action, ob.Retcode, ob.Message))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			q.log.Warn("retrying send", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
}
