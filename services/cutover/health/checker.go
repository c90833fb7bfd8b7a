package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 10 * time.Second

// Checker polls the configured application health endpoints. A health check
// passes only when every endpoint returns a success status.
type Checker struct {
	logger    *zap.Logger
	endpoints []string
	client    *http.Client
}

func NewChecker(logger *zap.Logger, endpoints []string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Checker{
		logger:    logger,
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

// CheckAll probes every endpoint and returns the pass ratio with the list of
// failing endpoints. No configured endpoints counts as a pass.
func (c *Checker) CheckAll(ctx context.Context) (float64, []string) {
	if len(c.endpoints) == 0 {
		return 1, nil
	}

	var failed []string
	for _, endpoint := range c.endpoints {
		if err := c.probe(ctx, endpoint); err != nil {
			c.logger.Warn("health endpoint failed",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			failed = append(failed, endpoint)
		}
	}
	passed := len(c.endpoints) - len(failed)
	return float64(passed) / float64(len(c.endpoints)), failed
}

func (c *Checker) probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
