package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// alertBatchSize caps how many alerts one drain cycle delivers.
const alertBatchSize = 10

// Alert records a recovery event for delivery to the alert webhook.
type Alert struct {
	Timestamp string `json:"timestamp"`
	CheckName string `json:"check_name"`
	Status    Status `json:"status"`
	Error     string `json:"error"`
	Action    string `json:"action"`
}

type webhookPoster func(ctx context.Context, url string, alert Alert) error

func (m *Monitor) enqueueAlert(st *checkState, action string) {
	m.mu.Lock()
	alert := Alert{
		Timestamp: m.now().UTC().Format(time.RFC3339),
		CheckName: st.check.Name,
		Status:    st.lastStatus,
		Error:     st.errorMessage,
		Action:    action,
	}
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()
}

// alertLoop drains the queue in batches on a fixed cadence.
func (m *Monitor) alertLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.alertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainAlerts(ctx)
		}
	}
}

func (m *Monitor) drainAlerts(ctx context.Context) {
	m.mu.Lock()
	n := min(len(m.alerts), alertBatchSize)
	batch := m.alerts[:n]
	m.alerts = m.alerts[n:]
	m.mu.Unlock()

	for _, alert := range batch {
		m.logger.Warn("alert",
			zap.String("check", alert.CheckName),
			zap.String("action", alert.Action),
			zap.String("status", string(alert.Status)),
		)
		if m.cfg.WebhookURL == "" {
			continue
		}
		if err := m.post(ctx, m.cfg.WebhookURL, alert); err != nil {
			m.logger.Error("webhook alert delivery failed", zap.Error(err))
			continue
		}
		alertsSentTotal.Inc()
	}
}

func postWebhook(ctx context.Context, url string, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
