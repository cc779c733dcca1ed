package email

import (
	"sync"

	"gopkg.in/gomail.v2"
)

// Provider определяет интерфейс для отправки email
type Provider interface {
	// Send отправляет HTML письмо одному получателю
	Send(to, subject, htmlBody string) error
}

// SMTPConfig содержит конфигурацию SMTP сервера
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// SMTPProvider реализует Provider поверх gomail
type SMTPProvider struct {
	cfg SMTPConfig
}

func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(to, subject, htmlBody string) error {
	m := gomail.NewMessage()
	if p.cfg.FromName != "" {
		m.SetAddressHeader("From", p.cfg.FromEmail, p.cfg.FromName)
	} else {
		m.SetHeader("From", p.cfg.FromEmail)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(p.cfg.Host, p.cfg.Port, p.cfg.Username, p.cfg.Password)
	return d.DialAndSend(m)
}

// SentMessage - письмо, перехваченное мок-провайдером.
type SentMessage struct {
	To      string
	Subject string
	Body    string
}

// MockProvider собирает письма в память вместо отправки. Для тестов.
type MockProvider struct {
	mu       sync.Mutex
	Messages []SentMessage
	FailWith error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Send(to, subject, htmlBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return p.FailWith
	}
	p.Messages = append(p.Messages, SentMessage{To: to, Subject: subject, Body: htmlBody})
	return nil
}

// Sent возвращает копию перехваченных писем.
func (p *MockProvider) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, len(p.Messages))
	copy(out, p.Messages)
	return out
}
