package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// NewProbeClient returns a resty client tuned for short health probes.
func NewProbeClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
}

// HTTPProbe reports healthy when url answers a GET with a 2xx status.
func HTTPProbe(client *resty.Client, url string) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		resp, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			return false, err
		}
		if !resp.IsSuccess() {
			return false, fmt.Errorf("probe %s: status %d", url, resp.StatusCode())
		}
		return true, nil
	}
}
