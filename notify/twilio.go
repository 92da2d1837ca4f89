package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
)

// TwilioWhatsAppSender sends WhatsApp messages through the Twilio Messages API.
type TwilioWhatsAppSender struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	From       string // WhatsApp-enabled sender number, without the "whatsapp:" prefix
	HTTP       *http.Client
}

func NewTwilioWhatsAppSender(accountSID, authToken, baseURL, from string) *TwilioWhatsAppSender {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioWhatsAppSender{
		AccountSID: accountSID,
		AuthToken:  authToken,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		From:       from,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *TwilioWhatsAppSender) Send(ctx context.Context, to loyalty.Customer, msg loyalty.Message) error {
	if to.Phone == "" {
		return fmt.Errorf("whatsapp to %s: %w", to.ID, ErrNoRecipient)
	}
	form := url.Values{}
	form.Set("To", whatsappAddress(to.Phone))
	form.Set("From", whatsappAddress(s.From))
	form.Set("Body", msg.Subject+"\n\n"+msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.BaseURL, url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var te twilioError
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &te) == nil && te.Message != "" {
			message = fmt.Sprintf("%s (code %d)", te.Message, te.Code)
		}
		return &APIError{Provider: "twilio", StatusCode: resp.StatusCode, Message: message}
	}
	return nil
}

func (s *TwilioWhatsAppSender) client() *http.Client {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
