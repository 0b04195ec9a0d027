package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/settings"
)

const (
	HeaderSignature = "X-Florique-Signature"
	HeaderTimestamp = "X-Florique-Timestamp"
)

// ErrPermanent marks a rejection that retrying cannot fix.
var ErrPermanent = errors.New("permanent push delivery failure")

type PushConfig struct {
	GatewayURL     string
	ServerKey      string
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PushClient posts messages to an HTTP push gateway in the legacy FCM
// shape.
type PushClient struct {
	httpClient     *http.Client
	gatewayURL     string
	serverKey      string
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type pushRequest struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
}

func NewPushClient(cfg PushConfig) (*PushClient, error) {
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		return nil, errors.New("push gateway url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &PushClient{
		httpClient:     &http.Client{Timeout: timeout},
		gatewayURL:     strings.TrimSpace(cfg.GatewayURL),
		serverKey:      cfg.ServerKey,
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

func (c *PushClient) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Target) == "" {
		return nil
	}

	body, err := json.Marshal(pushRequest{
		To:       msg.Target,
		Priority: "high",
		Notification: pushNotification{
			Title: msg.Title,
			Body:  msg.Body,
			Sound: "default",
		},
		Data: msg.Data,
	})
	if err != nil {
		return errors.Wrap(err, "marshal push payload")
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build push request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.serverKey != "" {
			req.Header.Set("Authorization", "key="+c.serverKey)
		}
		if c.signingSecret != "" {
			req.Header.Set(HeaderTimestamp, timestamp)
			req.Header.Set(HeaderSignature, Sign(c.signingSecret, timestamp, body))
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}

		lastErr = classifyPushError(err, resp)
		if errors.Is(lastErr, ErrPermanent) || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}

	return errors.Wrapf(lastErr, "push delivery to %s failed", c.gatewayURL)
}

// Sign is the gateway signature over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func classifyPushError(err error, resp *http.Response) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("push request failed: no response")
	}
	statusErr := errors.Newf("push gateway returned status=%d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return errors.Mark(statusErr, ErrPermanent)
	}
	return statusErr
}

// ResolvePushConfig overrides the gateway credentials in base with any value
// the settings provider holds, so they can be rotated without a redeploy.
func ResolvePushConfig(ctx context.Context, provider settings.Provider, base PushConfig) PushConfig {
	if provider == nil {
		return base
	}
	pick := func(key, fallback string) string {
		if v := settings.Lookup(ctx, provider, key); v != "" {
			return v
		}
		return fallback
	}
	base.GatewayURL = pick("PUSH_GATEWAY_URL", base.GatewayURL)
	base.ServerKey = pick("PUSH_SERVER_KEY", base.ServerKey)
	base.SigningSecret = pick("PUSH_SIGNING_SECRET", base.SigningSecret)
	return base
}
