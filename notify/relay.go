package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNoRecipients   = errors.New("no recipients resolved")
	ErrSendTimeout    = errors.New("provider did not answer in time")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Target is either a direct recipient or a role inside the tenant.
type Target struct {
	Recipient string
	Role      string
}

type Payload struct {
	Subject string
	Body    string
	// DedupeKey suppresses a second delivery to the same recipient.
	DedupeKey string
}

type Delivery struct {
	Recipient         string `json:"recipient"`
	Delivered         bool   `json:"delivered"`
	Mock              bool   `json:"mock"`
	Provider          string `json:"provider"`
	ProviderMessageId string `json:"provider_message_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Attempts          int    `json:"attempts"`
	Duplicate         bool   `json:"duplicate,omitempty"`
}

// Result is Delivered only when every resolved recipient got the message.
type Result struct {
	Delivered  bool       `json:"delivered"`
	Mock       bool       `json:"mock"`
	Reason     string     `json:"reason,omitempty"`
	Deliveries []Delivery `json:"deliveries"`
}

type Options struct {
	Timeout     time.Duration
	PhoneRegion string
}

type Relay struct {
	db        *gorm.DB
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	directory Directory
	opts      Options
	chains    map[models.NotificationChannel][]Sender
}

// NewRelay builds the provider chains from cfg. Providers without credentials are skipped.
func NewRelay(db *gorm.DB, logger *logrus.Logger, m *metrics.Metrics, cfg config.NotifyConfig) *Relay {
	var senders []Sender
	if cfg.SendGridAPIKey != "" && cfg.SendGridFrom != "" {
		senders = append(senders, NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridFrom, cfg.SendGridURL))
	}
	if cfg.MailgunAPIKey != "" && cfg.MailgunDomain != "" {
		senders = append(senders, NewMailgunSender(cfg.MailgunAPIKey, cfg.MailgunDomain, cfg.MailgunFrom, cfg.MailgunURL))
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		senders = append(senders, NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, cfg.TwilioURL))
	}
	if cfg.WhatsAppToken != "" && cfg.WhatsAppPhoneNumberID != "" {
		senders = append(senders, NewWhatsAppSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppURL))
	}
	return NewRelayWithSenders(db, logger, m, NewTeamDirectory(db), Options{Timeout: cfg.Timeout, PhoneRegion: cfg.PhoneRegion}, senders...)
}

// NewRelayWithSenders keeps senders in the given order per channel.
func NewRelayWithSenders(db *gorm.DB, logger *logrus.Logger, m *metrics.Metrics, dir Directory, opts Options, senders ...Sender) *Relay {
	if logger == nil {
		logger = config.NewDiscardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = utils.CountryCode
	}
	chains := map[models.NotificationChannel][]Sender{}
	for _, s := range senders {
		chains[s.Channel()] = append(chains[s.Channel()], s)
	}
	return &Relay{db: db, logger: logger, metrics: m, directory: dir, opts: opts, chains: chains}
}

// Notify never returns an error; failures are reported in Result and NotificationLog.
func (r *Relay) Notify(ctx context.Context, tenantId string, target Target, channel models.NotificationChannel, payload Payload) Result {
	switch channel {
	case models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp:
	default:
		return Result{Reason: ErrUnknownChannel.Error()}
	}

	recipients, err := r.resolve(ctx, tenantId, target, channel)
	if err != nil {
		config.LogError(r.logger, "notify", "Notify", tenantId, utils.MarshalToJSON(target), err)
		return Result{Reason: err.Error()}
	}

	out := Result{Delivered: true}
	for _, recipient := range recipients {
		if r.alreadyDelivered(ctx, tenantId, payload.DedupeKey, recipient) {
			out.Deliveries = append(out.Deliveries, Delivery{Recipient: recipient, Delivered: true, Duplicate: true, Reason: "already delivered"})
			continue
		}
		d := r.deliver(ctx, channel, Message{Recipient: recipient, Subject: payload.Subject, Body: payload.Body})
		r.log(ctx, tenantId, channel, payload, d)
		out.Deliveries = append(out.Deliveries, d)
		if !d.Delivered {
			out.Delivered = false
			out.Reason = d.Reason
		}
		if d.Mock {
			out.Mock = true
		}
	}
	return out
}

func (r *Relay) resolve(ctx context.Context, tenantId string, target Target, channel models.NotificationChannel) ([]string, error) {
	var raw []string
	switch {
	case strings.TrimSpace(target.Recipient) != "":
		raw = []string{strings.TrimSpace(target.Recipient)}
	case target.Role != "" && r.directory != nil:
		found, err := r.directory.Recipients(ctx, tenantId, target.Role, channel)
		if err != nil {
			return nil, err
		}
		raw = found
	}
	var out []string
	for _, rcpt := range raw {
		if channel == models.ChannelEmail {
			if !utils.IsValidEmail(rcpt) {
				r.logger.WithFields(logrus.Fields{"module": "notify", "recipient": rcpt}).Warn("skipping invalid email")
				continue
			}
			out = append(out, rcpt)
			continue
		}
		phone, err := utils.NormalizePhoneNumber(rcpt, r.opts.PhoneRegion)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"module": "notify", "recipient": rcpt}).Warn("skipping invalid phone number")
			continue
		}
		out = append(out, phone)
	}
	out = utils.UniqueSlice(out)
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// deliver walks the provider chain in order and falls back to the mock sender.
func (r *Relay) deliver(ctx context.Context, channel models.NotificationChannel, msg Message) Delivery {
	d := Delivery{Recipient: msg.Recipient}
	var failures []string
	for _, s := range r.chains[channel] {
		d.Attempts++
		res, err := r.sendWithTimeout(ctx, s, msg)
		if err == nil {
			r.metrics.Notification(string(channel), s.Name(), string(models.NotificationDelivered))
			d.Delivered = true
			d.Provider = s.Name()
			d.ProviderMessageId = res.ProviderMessageId
			return d
		}
		r.metrics.Notification(string(channel), s.Name(), string(models.NotificationFailed))
		config.LogError(r.logger, "notify", "deliver", s.Name(), msg.Recipient, err)
		failures = append(failures, s.Name()+": "+err.Error())
	}

	mock := NewMockSender(channel)
	res, _ := mock.Send(ctx, msg)
	r.metrics.Notification(string(channel), mock.Name(), string(models.NotificationDelivered))
	d.Delivered = true
	d.Mock = true
	d.Provider = mock.Name()
	d.ProviderMessageId = res.ProviderMessageId
	d.Reason = strings.Join(failures, "; ")
	return d
}

func (r *Relay) sendWithTimeout(ctx context.Context, s Sender, msg Message) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	type outcome struct {
		res SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("provider panic: %v", p)}
			}
		}()
		res, err := s.Send(ctx, msg)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return SendResult{}, ErrSendTimeout
	}
}

func (r *Relay) alreadyDelivered(ctx context.Context, tenantId, key, recipient string) bool {
	if r.db == nil || key == "" || tenantId == "" {
		return false
	}
	found, err := models.ExistsWhere(ctx, r.db, models.ScopeFor(tenantId), &models.NotificationLog{},
		"dedupe_key = ? AND recipient = ? AND status = ?", key, recipient, models.NotificationDelivered)
	if err != nil {
		config.LogError(r.logger, "notify", "alreadyDelivered", tenantId, key, err)
		return false
	}
	return found
}

func (r *Relay) log(ctx context.Context, tenantId string, channel models.NotificationChannel, payload Payload, d Delivery) {
	if r.db == nil || tenantId == "" {
		return
	}
	status := models.NotificationDelivered
	if !d.Delivered {
		status = models.NotificationFailed
	}
	row := models.NotificationLog{
		TenantId:          tenantId,
		Channel:           channel,
		Provider:          d.Provider,
		Recipient:         d.Recipient,
		Subject:           payload.Subject,
		Status:            status,
		Mock:              d.Mock,
		ProviderMessageId: d.ProviderMessageId,
		Error:             d.Reason,
		Attempts:          d.Attempts,
		DedupeKey:         payload.DedupeKey,
	}
	if err := models.InsertRecord(ctx, r.db, &row); err != nil {
		config.LogError(r.logger, "notify", "log", tenantId, utils.MarshalToJSON(d), err)
	}
}
