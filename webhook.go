package cua

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookPayload is POSTed to a batch's webhookUrl on every task_status
// event, signed with X-Webhook-Signature: hex(hmac_sha256(secret, rawBody)).
type WebhookPayload struct {
	BatchExecutionID string      `json:"batchExecutionId"`
	TaskID           string      `json:"taskId"`
	TaskIndex        int         `json:"taskIndex"`
	Status           TaskStatus  `json:"status"`
	AgentStatus      AgentStatus `json:"agentStatus,omitempty"`
	Message          string      `json:"message,omitempty"`
	Evidence         string      `json:"evidence,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// WebhookSender delivers WebhookPayloads with an HMAC-SHA256 signature.
// Delivery failure is logged and never affects task outcome — this is a
// fire-and-forget notification, not a durable side effect the core
// guarantees.
//
// Signing uses the standard library (crypto/hmac, crypto/sha256): no
// third-party library in the pack offers anything beyond what two stdlib
// calls already provide for this narrow operation.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender constructs a WebhookSender with a bounded-timeout HTTP
// client so a slow or dead endpoint cannot stall the batch loop.
func NewWebhookSender(logger *zap.Logger) *WebhookSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Send signs and POSTs payload to url with secret. Errors are logged, not
// returned to the caller's control flow — webhook delivery is best-effort.
func (w *WebhookSender) Send(ctx context.Context, url, secret string, payload WebhookPayload) {
	if url == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("marshal webhook payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signHMAC(secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("deliver webhook", zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether sig matches hex(hmac_sha256(secret, body)),
// using constant-time comparison. Exposed for webhook receivers in tests
// and example consumers.
func VerifyHMAC(secret string, body []byte, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
