package accounts

import (
	"net/http"

	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
)

// ContactController serves the public contact form
type ContactController struct {
	Logger Logger
	Svc    *Services
	Auther *RouteAuthenticator
	Path   string
	View   string
}

func NewContactController(svc *Services, auther *RouteAuthenticator) *ContactController {
	return &ContactController{
		Logger: defLogger{name: "accounts:contact"},
		Svc:    svc,
		Auther: auther,
		Path:   "/contact",
		View:   "contact/new",
	}
}

// RouteTable returns the controller routes with their policies
func (c *ContactController) RouteTable() []Route {
	return []Route{
		{Method: http.MethodGet, Path: c.Path, Name: "contact.get", Policy: Public(), Handler: c.New},
		{Method: http.MethodPost, Path: c.Path, Name: "contact.post", Policy: Public(), Handler: c.Create},
	}
}

func (c *ContactController) New(ctx router.Context) error {
	record := ContactMessage{}
	if account := CurrentAccount(ctx); account != nil {
		record.Name = account.FullName()
		record.Email = account.Email
	}
	return ctx.Render(c.View, router.ViewContext{
		"record": record,
		"errors": map[string]string{},
	})
}

func (c *ContactController) Create(ctx router.Context) error {
	payload := new(ContactMessage)
	if err := ctx.Bind(payload); err != nil {
		c.Logger.Error("contact parse payload", "error", err)
		return c.render(ctx, http.StatusBadRequest, ContactMessage{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	meta := requestMeta(ctx)
	payload.RemoteIP = meta.IP
	payload.UserAgent = meta.UserAgent

	if err := NewSendContactHandler(c.Svc).Execute(ctx.Context(), *payload); err != nil {
		if HasTextCode(err, TextCodeMailDelivery) {
			return flash.WithError(ctx, router.ViewContext{
				"error_message": ErrMailDelivery.Message,
			}).Render(c.View, router.ViewContext{
				"record": payload,
				"errors": map[string]string{},
			})
		}
		if isFormError(err) {
			return c.render(ctx, http.StatusUnprocessableEntity, *payload, FormatValidationErrorToMap(err))
		}
		return c.Auther.ErrorHandler(ctx, err)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Thank you for your message. We will get back to you soon.",
	}).Redirect("/", http.StatusSeeOther)
}

func (c *ContactController) render(ctx router.Context, status int, record ContactMessage, errs map[string]string) error {
	return flash.WithError(ctx, router.ViewContext{
		"error_message": "Please review the problems below.",
	}).Status(status).Render(c.View, router.ViewContext{
		"record": record,
		"errors": errs,
	})
}
