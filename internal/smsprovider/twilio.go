// SPDX-License-Identifier: MIT

package smsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/radscheduler/core/internal/log"
)

// Twilio is a Provider backed by the Twilio Messages API, typically
// configured as a tenant's failover provider.
type Twilio struct {
	accountSID string
	authToken  string
	enabled    bool
	baseURL    string
	http       *http.Client
}

// NewTwilio builds a Twilio provider. baseURL defaults to the production
// API root when empty.
func NewTwilio(accountSID, authToken, baseURL string) *Twilio {
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: SendTimeout,
	}
	return &Twilio{
		accountSID: accountSID,
		authToken:  authToken,
		enabled:    accountSID != "" && authToken != "",
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Transport: transport, Timeout: SendTimeout},
	}
}

func (t *Twilio) Name() string    { return "twilio" }
func (t *Twilio) IsEnabled() bool { return t.enabled }

type twilioErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message to Twilio and maps its response into the
// standardized Result/ErrorCode shape.
func (t *Twilio) Send(ctx context.Context, to, body, from string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	form := url.Values{"To": {to}, "From": {from}, "Body": {body}}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, t.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("twilio: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.http.Do(req)
	if err != nil {
		code := ErrNetworkError
		return Result{Status: StatusFailed, Provider: t.Name(), ErrorCode: code, ErrorMessage: err.Error()},
			&ProviderError{Provider: t.Name(), Code: code, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		sid := extractJSONString(raw, "sid")
		return Result{ProviderMessageID: sid, Status: StatusQueued, Provider: t.Name()}, nil
	}

	code, msg := classifyTwilioError(resp.StatusCode, raw)
	return Result{Status: StatusFailed, Provider: t.Name(), ErrorCode: code, ErrorMessage: msg},
		&ProviderError{Provider: t.Name(), Code: code, Status: resp.StatusCode, Body: string(raw)}
}

func classifyTwilioError(status int, raw []byte) (ErrorCode, string) {
	apiCode := extractJSONInt(raw, "code")
	msg := extractJSONString(raw, "message")
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited, msg
	case apiCode == 21211 || apiCode == 21614:
		return ErrInvalidNumber, msg
	case apiCode == 21610 || apiCode == 21408:
		return ErrNumberBlocked, msg
	case apiCode == 21617 || apiCode == 21612:
		return ErrInvalidContent, msg
	case apiCode == 30007:
		return ErrUndeliverable, msg
	case status == 403:
		return ErrCarrierViolation, msg
	case status >= 500:
		return ErrProviderError, msg
	default:
		return ErrUnknown, msg
	}
}

// extractJSONString/extractJSONInt avoid pulling in a JSON struct just for
// error classification; Twilio's error body is tiny and flat.
func extractJSONString(raw []byte, key string) string {
	var body struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		logger := log.WithComponent("smsprovider.twilio")
		logger.Debug().Err(err).Msg("response body not parseable")
		return ""
	}
	if key == "sid" {
		return body.SID
	}
	return body.Message
}

func extractJSONInt(raw []byte, key string) int {
	var body twilioErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	if key == "code" {
		return body.Code
	}
	return 0
}
