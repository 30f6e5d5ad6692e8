package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"courier/internal/retry"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Timeout  time.Duration
}

// SMTPProvider sends plain-text mail, one message per recipient.
type SMTPProvider struct {
	cfg    SMTPConfig
	client *mail.Client
}

func NewSMTP(cfg SMTPConfig) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = "New request posted"
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPProvider{cfg: cfg, client: c}, nil
}

func (p *SMTPProvider) message(address string, data TemplateData) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(p.cfg.From); err != nil {
		return nil, retry.Permanent(fmt.Errorf("from address: %w", err))
	}
	if err := m.To(address); err != nil {
		return nil, retry.Permanent(fmt.Errorf("recipient address: %w", err))
	}
	m.Subject(p.cfg.Subject)
	m.SetBodyString(mail.TypeTextPlain, data.Content)
	return m, nil
}

func (p *SMTPProvider) Send(ctx context.Context, address string, data TemplateData) error {
	m, err := p.message(address, data)
	if err != nil {
		return err
	}
	return classifySMTP(p.client.DialAndSendWithContext(ctx, m))
}

// classifySMTP maps 5xx replies to permanent errors. Temporary replies and
// connection failures stay retryable.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var se *mail.SendError
	if errors.As(err, &se) {
		if se.IsTemp() {
			return retry.Transient(err)
		}
		if se.ErrorCode() >= 500 || se.Reason == mail.ErrSMTPRcptTo {
			return retry.Permanent(err)
		}
	}
	return retry.Transient(err)
}
