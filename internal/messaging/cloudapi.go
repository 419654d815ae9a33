// Package messaging provides the outbound channel gateway for Conversa.
//
// This file implements the WhatsApp Cloud API (Graph API) sender.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultAPIVersion is the Graph API version used when none is configured.
const DefaultAPIVersion = "v18.0"

const defaultBaseURL = "https://graph.facebook.com"

// CloudAPIOpts holds configuration options for the Cloud API sender.
type CloudAPIOpts struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// CloudAPIOption defines a configuration option for the Cloud API sender.
type CloudAPIOption func(*CloudAPIOpts)

// WithAccessToken sets the Graph API bearer token.
func WithAccessToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithAPIVersion overrides the Graph API version.
func WithAPIVersion(v string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API base URL. Used in tests.
func WithBaseURL(u string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = u }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPISender sends WhatsApp messages through the Cloud API.
type CloudAPISender struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	apiVersion    string
	httpClient    *http.Client
}

// NewCloudAPISender creates a Cloud API sender. Credentials fall back to the
// WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID environment variables
// when not provided via options.
func NewCloudAPISender(opts ...CloudAPIOption) (*CloudAPISender, error) {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number id must be provided")
	}
	slog.Debug("CloudAPISender created", "api_version", cfg.APIVersion, "phone_number_id_set", cfg.PhoneNumberID != "")
	return &CloudAPISender{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       cfg.BaseURL,
		apiVersion:    cfg.APIVersion,
		httpClient:    cfg.HTTPClient,
	}, nil
}

type cloudAPIRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Text             cloudAPITextBody `json:"text"`
}

type cloudAPITextBody struct {
	Body string `json:"body"`
}

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendMessage sends a text message and returns the provider message id.
func (s *CloudAPISender) SendMessage(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(cloudAPIRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Text:             cloudAPITextBody{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode message payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.apiVersion, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("CloudAPISender request failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed cloudAPIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if parsed.Error != nil {
			slog.Error("CloudAPISender API error", "to", to, "status", resp.StatusCode, "code", parsed.Error.Code, "message", parsed.Error.Message)
			return "", fmt.Errorf("cloud api error %d: %s", parsed.Error.Code, parsed.Error.Message)
		}
		return "", fmt.Errorf("cloud api returned status %d", resp.StatusCode)
	}
	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("cloud api response contained no message id")
	}

	slog.Debug("CloudAPISender message sent", "to", to, "provider_message_id", parsed.Messages[0].ID)
	return parsed.Messages[0].ID, nil
}
