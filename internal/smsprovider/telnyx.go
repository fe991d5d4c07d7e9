// SPDX-License-Identifier: MIT

package smsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/radscheduler/core/internal/log"
)

// Telnyx is a Provider backed by the Telnyx messaging API.
type Telnyx struct {
	apiKey      string
	messagingID string
	enabled     bool
	baseURL     string
	http        *http.Client
}

// NewTelnyx builds a Telnyx provider. baseURL defaults to the production
// API root when empty, so tests can point it at an httptest.Server.
func NewTelnyx(apiKey, messagingProfileID, baseURL string) *Telnyx {
	if baseURL == "" {
		baseURL = "https://api.telnyx.com/v2"
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: SendTimeout,
	}
	return &Telnyx{
		apiKey:      apiKey,
		messagingID: messagingProfileID,
		enabled:     apiKey != "",
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Transport: transport, Timeout: SendTimeout},
	}
}

func (t *Telnyx) Name() string    { return "telnyx" }
func (t *Telnyx) IsEnabled() bool { return t.enabled }

type telnyxSendRequest struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

type telnyxSendResponse struct {
	Data struct {
		ID string `json:"id"`
		To []struct {
			Status string `json:"status"`
		} `json:"to"`
	} `json:"data"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// Send posts one message to Telnyx and maps its response into the
// standardized Result/ErrorCode shape.
func (t *Telnyx) Send(ctx context.Context, to, body, from string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	payload, err := json.Marshal(telnyxSendRequest{From: from, To: to, Text: body, MessagingProfileID: t.messagingID})
	if err != nil {
		return Result{}, fmt.Errorf("telnyx: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("telnyx: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return t.networkFailure(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var parsed telnyxSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger := log.WithComponent("smsprovider.telnyx")
		logger.Warn().Err(err).Msg("undecodable response body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{ProviderMessageID: parsed.Data.ID, Status: StatusQueued, Provider: t.Name()}, nil
	}

	code, msg := classifyTelnyxError(resp.StatusCode, parsed)
	return Result{Status: StatusFailed, Provider: t.Name(), ErrorCode: code, ErrorMessage: msg},
		&ProviderError{Provider: t.Name(), Code: code, Status: resp.StatusCode, Body: string(raw)}
}

func (t *Telnyx) networkFailure(err error) (Result, error) {
	var code ErrorCode = ErrNetworkError
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		code = ErrNetworkError
	}
	return Result{Status: StatusFailed, Provider: t.Name(), ErrorCode: code, ErrorMessage: err.Error()},
		&ProviderError{Provider: t.Name(), Code: code, Err: err}
}

func classifyTelnyxError(status int, parsed telnyxSendResponse) (ErrorCode, string) {
	detail := ""
	apiCode := ""
	if len(parsed.Errors) > 0 {
		detail = parsed.Errors[0].Detail
		apiCode = parsed.Errors[0].Code
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited, detail
	case status == 422 && (apiCode == "10015" || apiCode == "40300"):
		return ErrInvalidNumber, detail
	case status == 400 && strings.Contains(strings.ToLower(detail), "blocked"):
		return ErrNumberBlocked, detail
	case status == 400 && strings.Contains(strings.ToLower(detail), "content"):
		return ErrInvalidContent, detail
	case status == 403:
		return ErrCarrierViolation, detail
	case status >= 500:
		return ErrProviderError, detail
	default:
		return ErrUnknown, detail
	}
}
