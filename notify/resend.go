package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
)

// ResendSender sends email through the Resend API.
type ResendSender struct {
	APIKey  string
	BaseURL string
	From    string
	HTTP    *http.Client
}

func NewResendSender(apiKey, baseURL, from string) *ResendSender {
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	return &ResendSender{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		From:    from,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *ResendSender) Send(ctx context.Context, to loyalty.Customer, msg loyalty.Message) error {
	if to.Email == "" {
		return fmt.Errorf("email to %s: %w", to.ID, ErrNoRecipient)
	}
	payload, err := json.Marshal(resendEmail{
		From:    s.From,
		To:      []string{to.Email},
		Subject: msg.Subject,
		HTML:    "<p>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</p>",
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("resend request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out resendResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := out.Message
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return &APIError{Provider: "resend", StatusCode: resp.StatusCode, Message: message}
	}
	return nil
}

func (s *ResendSender) client() *http.Client {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}
