package accounts

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
)

// AuthControllerRoutes are the paths of the self service pages
type AuthControllerRoutes struct {
	Login        string
	Logout       string
	Register     string
	Confirmation string
	Unlock       string
	Password     string
	PasswordEdit string
	Profile      string
}

// AuthControllerViews are the templates of the self service pages
type AuthControllerViews struct {
	Login           string
	Register        string
	ConfirmationNew string
	UnlockNew       string
	PasswordNew     string
	PasswordEdit    string
	Profile         string
}

// AuthController serves sign in, registration, confirmation, unlock,
// password recovery and profile pages.
type AuthController struct {
	Debug  bool
	Logger Logger
	Svc    *Services
	Auther *RouteAuthenticator
	Routes *AuthControllerRoutes
	Views  *AuthControllerViews
}

type AuthControllerOption func(*AuthController) *AuthController

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger: defLogger{name: "accounts:ctrl"},
		Routes: &AuthControllerRoutes{
			Login:        "/login",
			Logout:       "/logout",
			Register:     "/register",
			Confirmation: ConfirmationPath,
			Unlock:       UnlockPath,
			Password:     "/password",
			PasswordEdit: PasswordResetPath,
			Profile:      "/profile",
		},
		Views: &AuthControllerViews{
			Login:           "sessions/new",
			Register:        "registrations/new",
			ConfirmationNew: "confirmations/new",
			UnlockNew:       "unlocks/new",
			PasswordNew:     "passwords/new",
			PasswordEdit:    "passwords/edit",
			Profile:         "registrations/edit",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Svc == nil {
		panic("missing Services in auth controller")
	}

	if c.Auther == nil {
		panic("missing RouteAuthenticator in auth controller")
	}

	return c
}

// WithAuthServices sets the services used by the handlers
func WithAuthServices(svc *Services) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Svc = svc
		return c
	}
}

// WithAuthRouteAuthenticator sets the HTTP authenticator
func WithAuthRouteAuthenticator(a *RouteAuthenticator) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Auther = a
		return c
	}
}

// WithAuthControllerLogger sets the logger
func WithAuthControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// RouteTable returns the controller routes with their policies
func (a *AuthController) RouteTable() []Route {
	r := a.Routes
	return []Route{
		{Method: http.MethodGet, Path: r.Login, Name: "sign-in.get", Policy: Public(), Handler: a.LoginShow},
		{Method: http.MethodPost, Path: r.Login, Name: "sign-in.post", Policy: Public(), Handler: a.LoginPost},
		{Method: http.MethodPost, Path: r.Logout, Name: "sign-out.post", Policy: Public(), Handler: a.LogOut},

		{Method: http.MethodGet, Path: r.Register, Name: "register.get", Policy: Public(), Handler: a.RegistrationShow},
		{Method: http.MethodPost, Path: r.Register, Name: "register.post", Policy: Public(), Handler: a.RegistrationCreate},

		{Method: http.MethodGet, Path: r.Confirmation, Name: "confirmation.get", Policy: Public(), Handler: a.ConfirmationShow},
		{Method: http.MethodGet, Path: r.Confirmation + "/new", Name: "confirmation.new", Policy: Public(), Handler: a.ConfirmationNew},
		{Method: http.MethodPost, Path: r.Confirmation, Name: "confirmation.post", Policy: Public(), Handler: a.ConfirmationCreate},

		{Method: http.MethodGet, Path: r.Unlock, Name: "unlock.get", Policy: Public(), Handler: a.UnlockShow},
		{Method: http.MethodGet, Path: r.Unlock + "/new", Name: "unlock.new", Policy: Public(), Handler: a.UnlockNew},
		{Method: http.MethodPost, Path: r.Unlock, Name: "unlock.post", Policy: Public(), Handler: a.UnlockCreate},

		{Method: http.MethodGet, Path: r.Password + "/new", Name: "pwd-reset.new", Policy: Public(), Handler: a.PasswordResetNew},
		{Method: http.MethodPost, Path: r.Password, Name: "pwd-reset.post", Policy: Public(), Handler: a.PasswordResetCreate},
		{Method: http.MethodGet, Path: r.PasswordEdit, Name: "pwd-reset-do.get", Policy: Public(), Handler: a.PasswordResetEdit},
		{Method: http.MethodPost, Path: r.PasswordEdit, Name: "pwd-reset-do.post", Policy: Public(), Handler: a.PasswordResetUpdate},

		{Method: http.MethodGet, Path: r.Profile, Name: "profile.get", Policy: Authenticated(), Handler: a.ProfileShow},
		{Method: http.MethodPost, Path: r.Profile, Name: "profile.post", Policy: Authenticated(), Handler: a.ProfileUpdate},

		{Method: http.MethodPost, Path: APIPrefix + "/session", Name: "api.session.post", Policy: Public(), Handler: a.APISessionCreate},
		{Method: http.MethodDelete, Path: APIPrefix + "/session", Name: "api.session.delete", Policy: Public(), Handler: a.APISessionDelete},
		{Method: http.MethodGet, Path: APIPrefix + "/me", Name: "api.me.get", Policy: Authenticated(), Handler: a.APIMe},
	}
}

func (a *AuthController) LoginShow(ctx router.Context) error {
	return ctx.Render(a.Views.Login, router.ViewContext{
		"errors": nil,
		"record": LoginRequest{},
	})
}

// LoginRequest payload
type LoginRequest struct {
	Email      string `form:"email" json:"email"`
	Password   string `form:"password" json:"password"`
	RememberMe bool   `form:"remember_me" json:"remember_me"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (a *AuthController) LoginPost(ctx router.Context) error {
	payload := new(LoginRequest)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("login parse payload", "error", err)
		return a.renderFormError(ctx, a.Views.Login, http.StatusBadRequest, LoginRequest{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	// the password is never echoed back
	record := LoginRequest{Email: payload.Email, RememberMe: payload.RememberMe}

	if err := payload.Validate(); err != nil {
		return a.renderFormError(ctx, a.Views.Login, http.StatusUnprocessableEntity, record, FormatValidationErrorToMap(err))
	}

	result, err := a.Auther.Login(ctx, Credentials{
		Email:      payload.Email,
		Password:   payload.Password,
		RememberMe: payload.RememberMe,
	})
	if err != nil {
		if HasTextCode(err, TextCodeTooManyRequests) {
			return flash.WithError(ctx, router.ViewContext{
				"error_message": ErrTooManyRequests.Message,
			}).Status(http.StatusTooManyRequests).Render(a.Views.Login, router.ViewContext{
				"record": record,
			})
		}
		return a.Auther.ErrorHandler(ctx, err)
	}

	if a.Debug {
		a.Logger.Debug("login outcome", "outcome", print.MaybePrettyJSON(map[string]any{
			"outcome": result.Outcome,
			"expires": result.ExpiresAt,
		}))
	}

	if !result.Outcome.Succeeded() {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": result.Outcome.Message(),
		}).Status(http.StatusUnauthorized).Render(a.Views.Login, router.ViewContext{
			"record":  record,
			"outcome": string(result.Outcome),
		})
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": result.Outcome.Message(),
	}).Redirect(a.Auther.GetRedirect(ctx, "/"), http.StatusSeeOther)
}

// APISessionCreate signs in from a JSON body and answers with a bearer token
func (a *AuthController) APISessionCreate(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := ctx.Bind(payload); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]any{"error": "invalid payload"})
	}

	if err := payload.Validate(); err != nil {
		return ctx.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid payload",
			"fields": FormatValidationErrorToMap(err),
		})
	}

	result, err := a.Auther.Login(ctx, Credentials{
		Email:      payload.Email,
		Password:   payload.Password,
		RememberMe: payload.RememberMe,
	})
	if err != nil {
		return a.Auther.ErrorHandler(ctx, err)
	}

	if !result.Outcome.Succeeded() {
		return ctx.JSON(http.StatusUnauthorized, map[string]any{
			"error":   result.Outcome.Message(),
			"outcome": string(result.Outcome),
		})
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"account":    NewAccountRecord(result.Account),
	})
}

// APISessionDelete revokes the bearer token
func (a *AuthController) APISessionDelete(ctx router.Context) error {
	if err := a.Auther.Logout(ctx); err != nil {
		return a.Auther.ErrorHandler(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (a *AuthController) APIMe(ctx router.Context) error {
	account := CurrentAccount(ctx)
	if account == nil {
		return a.Auther.AuthErrorHandler(ctx, ErrUnauthenticated)
	}
	return ctx.JSON(http.StatusOK, NewAccountRecord(account))
}

func (a *AuthController) LogOut(ctx router.Context) error {
	if err := a.Auther.Logout(ctx); err != nil {
		a.Logger.Error("logout failed", "error", err)
	}
	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Signed out successfully.",
	}).Redirect("/", http.StatusSeeOther)
}

// RegistrationPayload is the sign up form
type RegistrationPayload struct {
	FirstName            string `form:"first_name" json:"first_name"`
	LastName             string `form:"last_name" json:"last_name"`
	Email                string `form:"email" json:"email"`
	Password             string `form:"password" json:"password"`
	PasswordConfirmation string `form:"password_confirmation" json:"password_confirmation"`
}

func (a *AuthController) RegistrationShow(ctx router.Context) error {
	return ctx.Render(a.Views.Register, router.ViewContext{
		"errors": map[string]string{},
		"record": RegistrationPayload{},
	})
}

func (a *AuthController) RegistrationCreate(ctx router.Context) error {
	payload := new(RegistrationPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("register account parse payload", "error", err)
		return a.renderFormError(ctx, a.Views.Register, http.StatusBadRequest, RegistrationPayload{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	record := *payload
	record.Password, record.PasswordConfirmation = "", ""

	var resp *RegisterAccountResponse
	err := NewRegisterAccountHandler(a.Svc).Execute(ctx.Context(), RegisterAccountMessage{
		FirstName:            payload.FirstName,
		LastName:             payload.LastName,
		Email:                payload.Email,
		Password:             payload.Password,
		PasswordConfirmation: payload.PasswordConfirmation,
		OnResponse: func(r *RegisterAccountResponse) {
			resp = r
		},
	})
	if err != nil {
		if isFormError(err) {
			return a.renderFormError(ctx, a.Views.Register, http.StatusUnprocessableEntity, record, FormatValidationErrorToMap(err))
		}
		return a.Auther.ErrorHandler(ctx, err)
	}

	message := "A message with a confirmation link has been sent to your email address. Please follow the link to activate your account."
	if !resp.MailSent {
		message = "Your account was created but we could not send the confirmation email. Please request a new one."
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": message,
	}).Redirect("/", http.StatusSeeOther)
}

// EmailPayload is a form carrying only an email address
type EmailPayload struct {
	Email string `form:"email" json:"email"`
}

// Validate will run validation rules
func (r EmailPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (a *AuthController) ConfirmationNew(ctx router.Context) error {
	return ctx.Render(a.Views.ConfirmationNew, router.ViewContext{
		"record": EmailPayload{},
	})
}

func (a *AuthController) ConfirmationCreate(ctx router.Context) error {
	return a.tokenRequest(ctx, a.Views.ConfirmationNew, func(email string, done func(TokenOutcome)) error {
		return NewResendConfirmationHandler(a.Svc).Execute(ctx.Context(), ResendConfirmationMessage{
			Email:      email,
			OnResponse: done,
		})
	})
}

func (a *AuthController) ConfirmationShow(ctx router.Context) error {
	var outcome TokenOutcome
	err := NewConfirmAccountHandler(a.Svc).Execute(ctx.Context(), ConfirmAccountMessage{
		Token: ctx.Query("token"),
		OnResponse: func(o TokenOutcome, _ *Account) {
			outcome = o
		},
	})
	if err != nil {
		return a.Auther.ErrorHandler(ctx, err)
	}
	return a.tokenRedirect(ctx, outcome, a.Routes.Login, a.Routes.Confirmation+"/new")
}

func (a *AuthController) UnlockNew(ctx router.Context) error {
	return ctx.Render(a.Views.UnlockNew, router.ViewContext{
		"record": EmailPayload{},
	})
}

func (a *AuthController) UnlockCreate(ctx router.Context) error {
	return a.tokenRequest(ctx, a.Views.UnlockNew, func(email string, done func(TokenOutcome)) error {
		return NewResendUnlockHandler(a.Svc).Execute(ctx.Context(), ResendUnlockMessage{
			Email:      email,
			OnResponse: done,
		})
	})
}

func (a *AuthController) UnlockShow(ctx router.Context) error {
	var outcome TokenOutcome
	err := NewUnlockAccountHandler(a.Svc).Execute(ctx.Context(), UnlockAccountMessage{
		Token: ctx.Query("token"),
		OnResponse: func(o TokenOutcome, _ *Account) {
			outcome = o
		},
	})
	if err != nil {
		return a.Auther.ErrorHandler(ctx, err)
	}
	return a.tokenRedirect(ctx, outcome, a.Routes.Login, a.Routes.Unlock+"/new")
}

func (a *AuthController) PasswordResetNew(ctx router.Context) error {
	return ctx.Render(a.Views.PasswordNew, router.ViewContext{
		"record": EmailPayload{},
	})
}

func (a *AuthController) PasswordResetCreate(ctx router.Context) error {
	return a.tokenRequest(ctx, a.Views.PasswordNew, func(email string, done func(TokenOutcome)) error {
		return NewRequestPasswordResetHandler(a.Svc).Execute(ctx.Context(), RequestPasswordResetMessage{
			Email:      email,
			OnResponse: done,
		})
	})
}

func (a *AuthController) PasswordResetEdit(ctx router.Context) error {
	token := ctx.Query("token")
	if token == "" {
		return a.tokenRedirect(ctx, TokenInvalid, a.Routes.Login, a.Routes.Password+"/new")
	}
	return ctx.Render(a.Views.PasswordEdit, router.ViewContext{
		"token":  token,
		"errors": map[string]string{},
	})
}

// PasswordResetPayload is the new password form
type PasswordResetPayload struct {
	Token                string `form:"token" json:"token"`
	Password             string `form:"password" json:"password"`
	PasswordConfirmation string `form:"password_confirmation" json:"password_confirmation"`
}

func (a *AuthController) PasswordResetUpdate(ctx router.Context) error {
	payload := new(PasswordResetPayload)
	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("password reset parse payload", "error", err)
		return a.tokenRedirect(ctx, TokenInvalid, a.Routes.Login, a.Routes.Password+"/new")
	}

	var outcome TokenOutcome
	err := NewResetPasswordHandler(a.Svc).Execute(ctx.Context(), ResetPasswordMessage{
		Token:                payload.Token,
		Password:             payload.Password,
		PasswordConfirmation: payload.PasswordConfirmation,
		OnResponse: func(o TokenOutcome, _ *Account) {
			outcome = o
		},
	})
	if err != nil {
		if isFormError(err) {
			return flash.WithError(ctx, router.ViewContext{
				"error_message": "Please review the problems below.",
			}).Status(http.StatusUnprocessableEntity).Render(a.Views.PasswordEdit, router.ViewContext{
				"token":  payload.Token,
				"errors": FormatValidationErrorToMap(err),
			})
		}
		return a.Auther.ErrorHandler(ctx, err)
	}

	return a.tokenRedirect(ctx, outcome, a.Routes.Login, a.Routes.Password+"/new")
}

// ProfilePayload is the self service edit form
type ProfilePayload struct {
	FirstName            string `form:"first_name" json:"first_name"`
	LastName             string `form:"last_name" json:"last_name"`
	Email                string `form:"email" json:"email"`
	Password             string `form:"password" json:"password"`
	PasswordConfirmation string `form:"password_confirmation" json:"password_confirmation"`
	CurrentPassword      string `form:"current_password" json:"current_password"`
}

func (a *AuthController) ProfileShow(ctx router.Context) error {
	account := CurrentAccount(ctx)
	if account == nil {
		return a.Auther.AuthErrorHandler(ctx, ErrUnauthenticated)
	}
	return ctx.Render(a.Views.Profile, router.ViewContext{
		"errors": map[string]string{},
		"record": ProfilePayload{
			FirstName: account.FirstName,
			LastName:  account.LastName,
			Email:     account.Email,
		},
	})
}

func (a *AuthController) ProfileUpdate(ctx router.Context) error {
	account := CurrentAccount(ctx)
	if account == nil {
		return a.Auther.AuthErrorHandler(ctx, ErrUnauthenticated)
	}

	payload := new(ProfilePayload)
	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("profile parse payload", "error", err)
		return a.renderFormError(ctx, a.Views.Profile, http.StatusBadRequest, ProfilePayload{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	record := ProfilePayload{FirstName: payload.FirstName, LastName: payload.LastName, Email: payload.Email}

	err := NewUpdateProfileHandler(a.Svc).Execute(ctx.Context(), UpdateProfileMessage{
		Account:              account,
		FirstName:            payload.FirstName,
		LastName:             payload.LastName,
		Email:                payload.Email,
		Password:             payload.Password,
		PasswordConfirmation: payload.PasswordConfirmation,
		CurrentPassword:      payload.CurrentPassword,
	})
	if err != nil {
		if isFormError(err) {
			return a.renderFormError(ctx, a.Views.Profile, http.StatusUnprocessableEntity, record, FormatValidationErrorToMap(err))
		}
		return a.Auther.ErrorHandler(ctx, err)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Your account has been updated successfully.",
	}).Redirect(a.Routes.Profile, http.StatusSeeOther)
}

func (a *AuthController) tokenRequest(ctx router.Context, view string, run func(email string, done func(TokenOutcome)) error) error {
	payload := new(EmailPayload)
	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("token request parse payload", "error", err)
		return a.renderFormError(ctx, view, http.StatusBadRequest, EmailPayload{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	if err := payload.Validate(); err != nil {
		return a.renderFormError(ctx, view, http.StatusUnprocessableEntity, payload, FormatValidationErrorToMap(err))
	}

	var outcome TokenOutcome
	err := run(payload.Email, func(o TokenOutcome) { outcome = o })
	if err != nil {
		if HasTextCode(err, TextCodeMailDelivery) {
			return flash.WithError(ctx, router.ViewContext{
				"error_message": ErrMailDelivery.Message,
			}).Render(view, router.ViewContext{"record": payload})
		}
		return a.Auther.ErrorHandler(ctx, err)
	}

	if outcome.Informational() {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": outcome.Message(),
		}).Redirect(a.Routes.Login, http.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": outcome.Message(),
	}).Redirect(a.Routes.Login, http.StatusSeeOther)
}

// tokenRedirect sends successful redemptions to sign in and failures back
// to the request form.
func (a *AuthController) tokenRedirect(ctx router.Context, outcome TokenOutcome, success, retry string) error {
	switch outcome {
	case TokenConfirmed, TokenUnlocked, TokenPasswordChanged:
		return flash.WithSuccess(ctx, router.ViewContext{
			"system_message": outcome.Message(),
		}).Redirect(success, http.StatusSeeOther)
	case TokenAlreadyConfirmed, TokenNotLocked:
		return flash.WithError(ctx, router.ViewContext{
			"error_message": outcome.Message(),
		}).Redirect(success, http.StatusSeeOther)
	default:
		if outcome == "" {
			outcome = TokenInvalid
		}
		return flash.WithError(ctx, router.ViewContext{
			"error_message": outcome.Message(),
		}).Redirect(retry, http.StatusSeeOther)
	}
}

func (a *AuthController) renderFormError(ctx router.Context, view string, status int, record any, errs map[string]string) error {
	return flash.WithError(ctx, router.ViewContext{
		"error_message": "Please review the problems below.",
	}).Status(status).Render(view, router.ViewContext{
		"record": record,
		"errors": errs,
	})
}

// isFormError reports errors that re-render the form with field messages
func isFormError(err error) bool {
	switch TextCode(err) {
	case TextCodeWeakPassword, TextCodeDuplicateEmail, TextCodeCurrentPassword:
		return true
	}
	fields := FormatValidationErrorToMap(err)
	_, generic := fields["form"]
	return len(fields) > 0 && !generic
}
