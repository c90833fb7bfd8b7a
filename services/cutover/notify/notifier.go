package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"go.uber.org/zap"
)

const deliveryTimeout = 5 * time.Second

// Notifier posts structured events to the configured webhook URLs. Delivery
// is best effort: failures are logged and never block the cutover.
type Notifier struct {
	logger   *zap.Logger
	webhooks []string
	client   *http.Client
}

func NewNotifier(logger *zap.Logger, webhooks []string) *Notifier {
	return &Notifier{
		logger:   logger,
		webhooks: webhooks,
		client:   &http.Client{Timeout: deliveryTimeout},
	}
}

func (n *Notifier) Send(ctx context.Context, event api.Event) {
	if len(n.webhooks) == 0 {
		return
	}
	out, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	for _, url := range n.webhooks {
		if err := n.post(ctx, url, out); err != nil {
			n.logger.Warn("webhook delivery failed",
				zap.String("url", url),
				zap.String("message", event.Message),
				zap.Error(err))
		}
	}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
