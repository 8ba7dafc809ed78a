// Package notify relays email, SMS and WhatsApp messages through ordered provider adapters.
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

	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/google/uuid"
)

type Message struct {
	Recipient string
	Subject   string
	Body      string
}

type SendResult struct {
	ProviderMessageId string
}

// Sender is one provider adapter for one channel.
type Sender interface {
	Name() string
	Channel() models.NotificationChannel
	Send(ctx context.Context, msg Message) (SendResult, error)
}

type httpDoer struct {
	http *http.Client
}

func newHTTPDoer() httpDoer {
	// per-call deadlines come from the relay context
	return httpDoer{http: &http.Client{Timeout: 60 * time.Second}}
}

type providerRequest struct {
	method   string
	endpoint string
	json     any
	form     url.Values
	bearer   string
	user     string
	password string
}

func (d httpDoer) do(ctx context.Context, provider string, pr providerRequest) ([]byte, http.Header, error) {
	var body io.Reader
	contentType := ""
	switch {
	case pr.json != nil:
		raw, err := json.Marshal(pr.json)
		if err != nil {
			return nil, nil, err
		}
		body = strings.NewReader(string(raw))
		contentType = "application/json"
	case pr.form != nil:
		body = strings.NewReader(pr.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	req, err := http.NewRequestWithContext(ctx, pr.method, pr.endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if pr.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+pr.bearer)
	}
	if pr.user != "" {
		req.SetBasicAuth(pr.user, pr.password)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%s api error %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, resp.Header, nil
}

// SendGrid v3 mail/send.
type SendGridSender struct {
	apiKey   string
	from     string
	endpoint string
	client   httpDoer
}

func NewSendGridSender(apiKey, from, endpoint string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, from: from, endpoint: endpoint, client: newHTTPDoer()}
}

func (s *SendGridSender) Name() string                        { return "sendgrid" }
func (s *SendGridSender) Channel() models.NotificationChannel { return models.ChannelEmail }

func (s *SendGridSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := map[string]any{
		"personalizations": []map[string]any{{"to": []map[string]string{{"email": msg.Recipient}}}},
		"from":             map[string]string{"email": s.from},
		"subject":          msg.Subject,
		"content":          []map[string]string{{"type": "text/plain", "value": msg.Body}},
	}
	_, header, err := s.client.do(ctx, s.Name(), providerRequest{
		method:   http.MethodPost,
		endpoint: s.endpoint,
		json:     payload,
		bearer:   s.apiKey,
	})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ProviderMessageId: header.Get("X-Message-Id")}, nil
}

// Mailgun messages API.
type MailgunSender struct {
	apiKey  string
	domain  string
	from    string
	baseURL string
	client  httpDoer
}

func NewMailgunSender(apiKey, domain, from, baseURL string) *MailgunSender {
	return &MailgunSender{apiKey: apiKey, domain: domain, from: from, baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPDoer()}
}

func (s *MailgunSender) Name() string                        { return "mailgun" }
func (s *MailgunSender) Channel() models.NotificationChannel { return models.ChannelEmail }

func (s *MailgunSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{}
	form.Set("from", s.from)
	form.Set("to", msg.Recipient)
	form.Set("subject", msg.Subject)
	form.Set("text", msg.Body)
	raw, _, err := s.client.do(ctx, s.Name(), providerRequest{
		method:   http.MethodPost,
		endpoint: s.baseURL + "/" + s.domain + "/messages",
		form:     form,
		user:     "api",
		password: s.apiKey,
	})
	if err != nil {
		return SendResult{}, err
	}
	var parsed struct {
		Id string `json:"id"`
	}
	_ = json.Unmarshal(raw, &parsed)
	return SendResult{ProviderMessageId: parsed.Id}, nil
}

// Twilio Messages resource.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     httpDoer
}

func NewTwilioSender(accountSID, authToken, from, baseURL string) *TwilioSender {
	return &TwilioSender{accountSID: accountSID, authToken: authToken, from: from, baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPDoer()}
}

func (s *TwilioSender) Name() string                        { return "twilio" }
func (s *TwilioSender) Channel() models.NotificationChannel { return models.ChannelSMS }

func (s *TwilioSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{}
	form.Set("To", msg.Recipient)
	form.Set("From", s.from)
	form.Set("Body", msg.Body)
	raw, _, err := s.client.do(ctx, s.Name(), providerRequest{
		method:   http.MethodPost,
		endpoint: s.baseURL + "/Accounts/" + s.accountSID + "/Messages.json",
		form:     form,
		user:     s.accountSID,
		password: s.authToken,
	})
	if err != nil {
		return SendResult{}, err
	}
	var parsed struct {
		Sid string `json:"sid"`
	}
	_ = json.Unmarshal(raw, &parsed)
	return SendResult{ProviderMessageId: parsed.Sid}, nil
}

// WhatsApp Cloud API text message.
type WhatsAppSender struct {
	token         string
	phoneNumberId string
	baseURL       string
	client        httpDoer
}

func NewWhatsAppSender(token, phoneNumberId, baseURL string) *WhatsAppSender {
	return &WhatsAppSender{token: token, phoneNumberId: phoneNumberId, baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPDoer()}
}

func (s *WhatsAppSender) Name() string                        { return "whatsapp_cloud" }
func (s *WhatsAppSender) Channel() models.NotificationChannel { return models.ChannelWhatsApp }

func (s *WhatsAppSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(msg.Recipient, "+"),
		"type":              "text",
		"text":              map[string]string{"body": msg.Body},
	}
	raw, _, err := s.client.do(ctx, s.Name(), providerRequest{
		method:   http.MethodPost,
		endpoint: s.baseURL + "/" + s.phoneNumberId + "/messages",
		json:     payload,
		bearer:   s.token,
	})
	if err != nil {
		return SendResult{}, err
	}
	var parsed struct {
		Messages []struct {
			Id string `json:"id"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(raw, &parsed)
	out := SendResult{}
	if len(parsed.Messages) > 0 {
		out.ProviderMessageId = parsed.Messages[0].Id
	}
	return out, nil
}

// MockSender accepts everything. Used when no provider is configured or all of them failed.
type MockSender struct {
	channel models.NotificationChannel
}

func NewMockSender(channel models.NotificationChannel) *MockSender {
	return &MockSender{channel: channel}
}

func (s *MockSender) Name() string                        { return "mock" }
func (s *MockSender) Channel() models.NotificationChannel { return s.channel }

func (s *MockSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	return SendResult{ProviderMessageId: "mock-" + uuid.NewString()}, nil
}
