package accounts

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flosch/pongo2/v6"
	goerrors "github.com/goliatone/go-errors"
	"github.com/wneessen/go-mail"
)

// Message is an outbound email
type Message struct {
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       []string          `json:"to"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Template string            `json:"template,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Mailer delivers a message
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to Mailer
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// IsMailSent reports whether a dispatch error still counts as sent.
// Deferred deliveries continue in background.
func IsMailSent(err error) bool {
	return err == nil || HasTextCode(err, TextCodeMailDeferred)
}

// Dispatcher waits a bounded time for delivery. Slow deliveries continue in
// background and the caller gets ErrMailDeferred.
type Dispatcher struct {
	mailer          Mailer
	wait            time.Duration
	deliveryTimeout time.Duration
	logger          Logger
	inflight        sync.WaitGroup
}

// DefaultMailWait is how long a request waits for the mail transport
const DefaultMailWait = 2 * time.Second

// NewDispatcher wraps mailer with a bounded wait
func NewDispatcher(mailer Mailer, wait time.Duration, logger Logger) *Dispatcher {
	if wait <= 0 {
		wait = DefaultMailWait
	}
	if logger == nil {
		logger = defLogger{name: "mail"}
	}
	return &Dispatcher{
		mailer:          mailer,
		wait:            wait,
		deliveryTimeout: time.Minute,
		logger:          logger,
	}
}

// Send delivers msg or defers it once the wait elapses
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.deliveryTimeout)
	done := make(chan error, 1)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer cancel()
		done <- d.mailer.Send(sendCtx, msg)
	}()

	timer := time.NewTimer(d.wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			d.logger.Error("mail delivery failed", "subject", msg.Subject, "error", err)
			return asRichError(err, "mail delivery failed")
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.logger.Warn("mail delivery deferred", "subject", msg.Subject, "wait", d.wait)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if err := <-done; err != nil {
			d.logger.Error("deferred mail delivery failed", "subject", msg.Subject, "error", err)
		}
	}()

	return ErrMailDeferred
}

// Wait blocks until background deliveries finish
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// LogMailer writes messages to the logger instead of sending them
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = defLogger{name: "mail"}
	}
	logger.Info("mail", "to", strings.Join(msg.To, ","), "subject", msg.Subject, "body", msg.Body)
	return nil
}

// SMTPMailer delivers through an SMTP relay. Addr is host:port.
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
}

func (m SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return goerrors.New("mail has no recipients", goerrors.CategoryBadInput)
	}

	out, err := buildMailMsg(msg)
	if err != nil {
		return err
	}

	client, err := m.client()
	if err != nil {
		return err
	}

	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "smtp delivery failed")
	}
	return nil
}

func (m SMTPMailer) client() (*mail.Client, error) {
	host, rawPort, err := net.SplitHostPort(m.Addr)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid smtp address").
			WithMetadata(map[string]any{"addr": m.Addr})
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid smtp port").
			WithMetadata(map[string]any{"addr": m.Addr})
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.Username),
			mail.WithPassword(m.Password),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create smtp client")
	}
	return client, nil
}

// buildMailMsg converts msg into a MIME message. Header values are folded
// onto a single line.
func buildMailMsg(msg Message) (*mail.Msg, error) {
	out := mail.NewMsg()
	if err := out.From(msg.From); err != nil {
		return nil, invalidMailAddress(err, "from", msg.From)
	}
	if err := out.To(msg.To...); err != nil {
		return nil, invalidMailAddress(err, "to", strings.Join(msg.To, ","))
	}
	if msg.ReplyTo != "" {
		if err := out.ReplyTo(msg.ReplyTo); err != nil {
			return nil, invalidMailAddress(err, "reply_to", msg.ReplyTo)
		}
	}
	if msg.ID != "" {
		out.SetMessageIDWithValue(headerValue(msg.ID))
	}
	out.Subject(headerValue(msg.Subject))
	for k, v := range msg.Headers {
		out.SetGenHeader(mail.Header(headerValue(k)), headerValue(v))
	}
	out.SetBodyString(mail.TypeTextPlain, msg.Body)
	return out, nil
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func headerValue(v string) string {
	return headerBreaks.Replace(v)
}

func invalidMailAddress(err error, field, value string) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid mail address").
		WithMetadata(map[string]any{"field": field, "address": value})
}

// Mail template names
const (
	MailConfirmation  = "confirmation"
	MailUnlock        = "unlock"
	MailPasswordReset = "password_reset"
	MailContact       = "contact"
)

var mailSubjects = map[string]string{
	MailConfirmation:  "Confirmation instructions",
	MailUnlock:        "Unlock instructions",
	MailPasswordReset: "Reset password instructions",
	MailContact:       "New contact message",
}

// MailTemplates renders mail bodies with pongo2
type MailTemplates struct {
	templates map[string]*pongo2.Template
}

// LoadMailTemplates parses every <name>.txt in fsys
func LoadMailTemplates(fsys fs.FS) (*MailTemplates, error) {
	t := &MailTemplates{templates: map[string]*pongo2.Template{}}
	for name := range mailSubjects {
		raw, err := fs.ReadFile(fsys, name+".txt")
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "missing mail template").
				WithMetadata(map[string]any{"template": name})
		}
		tpl, err := pongo2.FromString("{% autoescape off %}" + string(raw) + "{% endautoescape %}")
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "invalid mail template").
				WithMetadata(map[string]any{"template": name})
		}
		t.templates[name] = tpl
	}
	return t, nil
}

// Render executes a named template
func (t *MailTemplates) Render(name string, data map[string]any) (string, error) {
	tpl, ok := t.templates[name]
	if !ok {
		return "", goerrors.New("unknown mail template", goerrors.CategoryInternal).
			WithMetadata(map[string]any{"template": name})
	}
	out, err := tpl.Execute(pongo2.Context(data))
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render mail")
	}
	return out, nil
}

// Notifier composes and dispatches account mails
type Notifier struct {
	mailer    Mailer
	templates *MailTemplates
	from      string
	contactTo string
	baseURL   string
	tokens    *TokenManager
}

// NewNotifier builds a notifier from config. The token manager is only used
// to print link lifetimes.
func NewNotifier(mailer Mailer, cfg Config, tokens *TokenManager) (*Notifier, error) {
	templates, err := LoadMailTemplates(GetMailTemplatesFS())
	if err != nil {
		return nil, err
	}
	return &Notifier{
		mailer:    mailer,
		templates: templates,
		from:      cfg.GetMailFrom(),
		contactTo: cfg.GetContactRecipient(),
		baseURL:   strings.TrimRight(cfg.GetBaseURL(), "/"),
		tokens:    tokens,
	}, nil
}

// Link paths for token mails
const (
	ConfirmationPath  = "/confirmation"
	UnlockPath        = "/unlock"
	PasswordResetPath = "/password/edit"
)

func (n *Notifier) SendConfirmation(ctx context.Context, account *Account, raw string) error {
	return n.sendToken(ctx, MailConfirmation, TokenConfirmation, ConfirmationPath, account, raw)
}

func (n *Notifier) SendUnlock(ctx context.Context, account *Account, raw string) error {
	return n.sendToken(ctx, MailUnlock, TokenUnlock, UnlockPath, account, raw)
}

func (n *Notifier) SendPasswordReset(ctx context.Context, account *Account, raw string) error {
	return n.sendToken(ctx, MailPasswordReset, TokenPasswordReset, PasswordResetPath, account, raw)
}

func (n *Notifier) sendToken(ctx context.Context, template string, kind TokenKind, path string, account *Account, raw string) error {
	body, err := n.templates.Render(template, map[string]any{
		"account":   account,
		"link":      n.baseURL + path + "?token=" + url.QueryEscape(raw),
		"valid_for": n.validFor(kind),
	})
	if err != nil {
		return err
	}

	return n.mailer.Send(ctx, Message{
		From:     n.from,
		To:       []string{account.Email},
		Subject:  mailSubjects[template],
		Body:     body,
		Template: template,
	})
}

// SendContact forwards a contact form message to the operators
func (n *Notifier) SendContact(ctx context.Context, contact ContactMessage) error {
	if n.contactTo == "" {
		return ErrContactRecipientMissing
	}

	body, err := n.templates.Render(MailContact, map[string]any{"contact": contact})
	if err != nil {
		return err
	}

	return n.mailer.Send(ctx, Message{
		From:     n.from,
		To:       []string{n.contactTo},
		ReplyTo:  contact.Email,
		Subject:  mailSubjects[MailContact] + " from " + contact.Name,
		Body:     body,
		Template: MailContact,
	})
}

func (n *Notifier) validFor(kind TokenKind) string {
	if n.tokens == nil {
		return ""
	}
	ttl := n.tokens.TTL(kind)
	if ttl%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(ttl/time.Hour))
	}
	return ttl.String()
}
