package jobs

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/hibiken/asynq"
	"github.com/wneessen/go-mail"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

// Message is a rendered plain text mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender transmits a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var mailTemplates = map[users.DeliveryKind]struct {
	subject string
	body    string
}{
	users.DeliveryInvitation: {
		subject: "You have been invited to {{.Product}}",
		body: `Hello {{.Name}},

An account has been created for you on {{.Product}}.

Temporary password: {{.TemporaryPassword}}

Activate your account and choose a new password here:
{{.Link}}

The link expires on {{.Expires}}. If you did not expect this invitation you can ignore this mail.
`,
	},
	users.DeliveryPasswordReset: {
		subject: "Reset your {{.Product}} password",
		body: `Hello {{.Name}},

Someone asked to reset the password of your {{.Product}} account.

Choose a new password here:
{{.Link}}

The link expires on {{.Expires}}. If you did not ask for a reset you can ignore this mail.
`,
	},
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Composer renders deliveries into messages.
type Composer struct {
	product   string
	templates map[users.DeliveryKind]compiledTemplate
}

// NewComposer parses the built-in templates.
func NewComposer(product string) (*Composer, error) {
	if product == "" {
		product = "Odyssey"
	}
	c := &Composer{product: product, templates: make(map[users.DeliveryKind]compiledTemplate, len(mailTemplates))}
	for kind, tpl := range mailTemplates {
		subject, err := template.New(string(kind) + ".subject").Parse(tpl.subject)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse %s subject: %w", kind, err)
		}
		body, err := template.New(string(kind) + ".body").Parse(tpl.body)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse %s body: %w", kind, err)
		}
		c.templates[kind] = compiledTemplate{subject: subject, body: body}
	}
	return c, nil
}

// Compose renders a delivery.
func (c *Composer) Compose(d users.Delivery) (Message, error) {
	tpl, ok := c.templates[d.Kind]
	if !ok {
		return Message{}, fmt.Errorf("jobs: unknown delivery kind %q", d.Kind)
	}
	data := struct {
		users.DeliveryPayload
		Product string
		Expires string
	}{
		DeliveryPayload: d.Payload,
		Product:         c.product,
		Expires:         d.Payload.ExpiresAt.UTC().Format("2 Jan 2006 15:04 MST"),
	}
	if data.Name == "" {
		data.Name = d.Destination
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return Message{}, err
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return Message{}, err
	}
	return Message{To: d.Destination, Subject: subject.String(), Body: body.String()}, nil
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	Timeout  time.Duration
	Clock    shared.Clock
}

// SMTPSender delivers messages over SMTP, upgrading to TLS when offered.
type SMTPSender struct {
	cfg  SMTPConfig
	opts []mail.Option
}

// NewSMTPSender validates the sender address and the client options.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("jobs: smtp host required")
	}
	if err := mail.NewMsg().From(cfg.From); err != nil {
		return nil, fmt.Errorf("jobs: smtp from: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("jobs: smtp client: %w", err)
	}
	return &SMTPSender{cfg: cfg, opts: opts}, nil
}

// Send implements Sender. An unparseable recipient is not retried.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.message(msg)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return fmt.Errorf("jobs: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("jobs: smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("jobs: smtp from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("%w: recipient: %w", asynq.SkipRetry, err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.cfg.Clock.Now())
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

// MailHandler processes TaskTypeSendEmail tasks.
type MailHandler struct {
	sender   Sender
	composer *Composer
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
	clock    shared.Clock
}

// NewMailHandler constructs a MailHandler.
func NewMailHandler(sender Sender, composer *Composer, metrics *jobmetrics.Metrics, logger *slog.Logger, clock shared.Clock) *MailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailHandler{sender: sender, composer: composer, metrics: metrics, logger: logger, clock: clock}
}

// ProcessTask implements asynq.Handler. Links that expired while queued are
// dropped instead of sent.
func (h *MailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskTypeSendEmail)
	var delivery users.Delivery
	if err := json.Unmarshal(t.Payload(), &delivery); err != nil {
		h.metrics.AddDelivery("", "dropped")
		return tracker.End(fmt.Errorf("jobs: decode mail payload: %v: %w", err, asynq.SkipRetry))
	}
	kind := string(delivery.Kind)
	if shared.Expired(h.clock.Now(), delivery.Payload.ExpiresAt) {
		h.metrics.AddDelivery(kind, "dropped")
		h.logger.Info("mail expired before delivery", slog.Any("delivery", delivery))
		return tracker.End(nil)
	}
	msg, err := h.composer.Compose(delivery)
	if err != nil {
		h.metrics.AddDelivery(kind, "dropped")
		return tracker.End(fmt.Errorf("%w: %w", asynq.SkipRetry, err))
	}
	if err := h.sender.Send(ctx, msg); err != nil {
		h.metrics.AddDelivery(kind, "failed")
		h.logger.Warn("mail send", slog.Any("delivery", delivery), slog.Any("error", err))
		return tracker.End(err)
	}
	h.metrics.AddDelivery(kind, "sent")
	h.logger.Info("mail sent", slog.Any("delivery", delivery))
	return tracker.End(nil)
}
