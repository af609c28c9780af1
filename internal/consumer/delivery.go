package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/snehjoshi/deferq/internal/driver"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed
// with "sha256=", when the subscription has a secret.
const SignatureHeader = "X-Deferq-Signature"

// Sign returns the SignatureHeader value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliverEvent POSTs ev to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func deliverEvent(ctx context.Context, client *http.Client, sub *Subscription, ev driver.Event) error {
	body, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("consumer: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
