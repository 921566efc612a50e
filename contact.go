package accounts

import (
	"context"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// singleLine rejects values that would break out of a mail header
var singleLine = regexp.MustCompile(`^[^\r\n]*$`)

// ContactMessage is a public contact form submission. Nickname is a hidden
// honeypot field that humans leave empty.
type ContactMessage struct {
	Name      string `form:"name" json:"name"`
	Email     string `form:"email" json:"email"`
	Message   string `form:"message" json:"message"`
	Nickname  string `form:"nickname" json:"nickname"`
	RemoteIP  string `form:"-" json:"remote_ip,omitempty"`
	UserAgent string `form:"-" json:"user_agent,omitempty"`
}

func (e ContactMessage) Type() string { return "contact.send" }

// Validate will run validation rules
func (e ContactMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required, validation.Length(1, 200),
			validation.Match(singleLine).Error("must be a single line")),
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Message, validation.Required, validation.Length(1, 5000)),
	)
}

// IsSpam reports a filled honeypot
func (e ContactMessage) IsSpam() bool {
	return strings.TrimSpace(e.Nickname) != ""
}

// SendContactHandler forwards contact messages to the operators. Spam is
// dropped silently so bots see the same response as humans.
type SendContactHandler struct {
	svc *Services
}

func NewSendContactHandler(svc *Services) *SendContactHandler {
	return &SendContactHandler{svc: svc}
}

func (h *SendContactHandler) Execute(ctx context.Context, event ContactMessage) error {
	if err := checkContext(ctx, "contact form delivery"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *SendContactHandler) execute(ctx context.Context, event ContactMessage) error {
	if event.IsSpam() {
		h.svc.Logger.Warn("contact form honeypot filled, dropping message", "remote_ip", event.RemoteIP)
		return nil
	}

	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if !h.svc.deliver(ctx, MailContact, func(ctx context.Context) error {
		return h.svc.Notifier.SendContact(ctx, event)
	}) {
		return ErrMailDelivery
	}

	return nil
}
