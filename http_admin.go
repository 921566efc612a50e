package accounts

import (
	"net/http"
	"strconv"

	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
)

// AdminController serves the account management console and its JSON
// mirror. Every route requires an account management action.
type AdminController struct {
	Logger   Logger
	Svc      *Services
	Auther   *RouteAuthenticator
	Queries  *AccountQueries
	BasePath string
	APIPath  string
}

// NewAdminController returns a new AdminController
func NewAdminController(svc *Services, auther *RouteAuthenticator) *AdminController {
	return &AdminController{
		Logger:   defLogger{name: "accounts:admin"},
		Svc:      svc,
		Auther:   auther,
		Queries:  NewAccountQueries(svc),
		BasePath: "/admin/accounts",
		APIPath:  APIPrefix + "/accounts",
	}
}

func (c *AdminController) WithLogger(logger Logger) *AdminController {
	if logger != nil {
		c.Logger = logger
	}
	return c
}

// RouteTable returns the controller routes with their policies
func (c *AdminController) RouteTable() []Route {
	base, api := c.BasePath, c.APIPath
	return []Route{
		{Method: http.MethodGet, Path: base, Name: "admin.accounts.index", Policy: Require(ActionListAccounts), Handler: c.Index},
		{Method: http.MethodGet, Path: base + "/new", Name: "admin.accounts.new", Policy: Require(ActionCreateAccount), Handler: c.New},
		{Method: http.MethodPost, Path: base, Name: "admin.accounts.create", Policy: Require(ActionCreateAccount), Handler: c.Create},
		{Method: http.MethodGet, Path: base + "/:slug", Name: "admin.accounts.show", Policy: Require(ActionShowAccount), Handler: c.Show},
		{Method: http.MethodGet, Path: base + "/:slug/edit", Name: "admin.accounts.edit", Policy: Require(ActionUpdateAccount), Handler: c.Edit},
		{Method: http.MethodPost, Path: base + "/:slug", Name: "admin.accounts.update", Policy: Require(ActionUpdateAccount), Handler: c.Update},
		{Method: http.MethodPost, Path: base + "/:slug/delete", Name: "admin.accounts.delete", Policy: Require(ActionDeleteAccount), Handler: c.Delete},
		{Method: http.MethodPost, Path: base + "/:slug/unlock", Name: "admin.accounts.unlock", Policy: Require(ActionUnlockAccount), Handler: c.Unlock},

		{Method: http.MethodGet, Path: api, Name: "api.accounts.index", Policy: Require(ActionListAccounts), Handler: c.APIIndex},
		{Method: http.MethodGet, Path: api + "/:slug", Name: "api.accounts.show", Policy: Require(ActionShowAccount), Handler: c.APIShow},
		{Method: http.MethodDelete, Path: api + "/:slug", Name: "api.accounts.delete", Policy: Require(ActionDeleteAccount), Handler: c.APIDelete},
	}
}

// ListQueryFromRequest reads search, sort and paging parameters
func ListQueryFromRequest(ctx router.Context) ListQuery {
	lq := ListQuery{
		Email:     ctx.Query("email"),
		FullName:  ctx.Query("full_name"),
		Sort:      ctx.Query("sort"),
		Direction: ctx.Query("direction"),
	}
	if role, ok := ParseRole(ctx.Query("role")); ok {
		lq.Role = role
	}
	if page, err := strconv.Atoi(ctx.Query("page")); err == nil {
		lq.Page = page
	}
	return lq
}

func (c *AdminController) Index(ctx router.Context) error {
	lq := ListQueryFromRequest(ctx)
	result, err := c.Queries.List(ctx.Context(), CurrentAccount(ctx), lq)
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}
	return ctx.Render("admin/accounts/index", router.ViewContext{
		"records": result.Records,
		"total":   result.Total,
		"page":    result.Page,
		"pages":   result.Pages(),
		"query":   lq,
		"roles":   roleOptions(),
	})
}

// AccountPayload is the admin account form
type AccountPayload struct {
	FirstName            string `form:"first_name" json:"first_name"`
	LastName             string `form:"last_name" json:"last_name"`
	Email                string `form:"email" json:"email"`
	Role                 string `form:"role" json:"role"`
	Confirmed            bool   `form:"confirmed" json:"confirmed"`
	Password             string `form:"password" json:"password"`
	PasswordConfirmation string `form:"password_confirmation" json:"password_confirmation"`
}

func (c *AdminController) New(ctx router.Context) error {
	return ctx.Render("admin/accounts/new", router.ViewContext{
		"record": AccountPayload{Role: string(RoleStandard)},
		"errors": map[string]string{},
		"roles":  roleOptions(),
	})
}

func (c *AdminController) Create(ctx router.Context) error {
	payload := new(AccountPayload)
	if err := ctx.Bind(payload); err != nil {
		c.Logger.Error("create account parse payload", "error", err)
		return c.renderForm(ctx, "admin/accounts/new", http.StatusBadRequest, AccountPayload{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	var created *Account
	err := NewCreateAccountHandler(c.Svc).Execute(ctx.Context(), CreateAccountMessage{
		Actor:                CurrentAccount(ctx),
		FirstName:            payload.FirstName,
		LastName:             payload.LastName,
		Email:                payload.Email,
		Role:                 payload.Role,
		Confirmed:            payload.Confirmed,
		Password:             payload.Password,
		PasswordConfirmation: payload.PasswordConfirmation,
		OnResponse: func(a *Account) {
			created = a
		},
	})
	if err != nil {
		if isFormError(err) {
			return c.renderForm(ctx, "admin/accounts/new", http.StatusUnprocessableEntity, scrub(*payload), FormatValidationErrorToMap(err))
		}
		return c.Auther.ErrorHandler(ctx, err)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Account was successfully created.",
	}).Redirect(c.BasePath+"/"+created.Slug, http.StatusSeeOther)
}

func (c *AdminController) Show(ctx router.Context) error {
	account, err := c.Queries.Show(ctx.Context(), CurrentAccount(ctx), ctx.Param("slug"))
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}
	return ctx.Render("admin/accounts/show", router.ViewContext{
		"record": account,
	})
}

func (c *AdminController) Edit(ctx router.Context) error {
	account, err := c.Queries.Show(ctx.Context(), CurrentAccount(ctx), ctx.Param("slug"))
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}
	return ctx.Render("admin/accounts/edit", router.ViewContext{
		"slug": account.Slug,
		"record": AccountPayload{
			FirstName: account.FirstName,
			LastName:  account.LastName,
			Email:     account.Email,
			Role:      string(account.Role),
			Confirmed: account.IsConfirmed(),
		},
		"errors": map[string]string{},
		"roles":  roleOptions(),
	})
}

func (c *AdminController) Update(ctx router.Context) error {
	slug := ctx.Param("slug")

	payload := new(AccountPayload)
	if err := ctx.Bind(payload); err != nil {
		c.Logger.Error("update account parse payload", "error", err)
		return c.renderForm(ctx, "admin/accounts/edit", http.StatusBadRequest, AccountPayload{}, map[string]string{
			"form": "Failed to parse form",
		})
	}

	err := NewUpdateAccountHandler(c.Svc).Execute(ctx.Context(), UpdateAccountMessage{
		Actor:                CurrentAccount(ctx),
		Slug:                 slug,
		FirstName:            payload.FirstName,
		LastName:             payload.LastName,
		Email:                payload.Email,
		Role:                 payload.Role,
		Password:             payload.Password,
		PasswordConfirmation: payload.PasswordConfirmation,
	})
	if err != nil {
		if isFormError(err) {
			return flash.WithError(ctx, router.ViewContext{
				"error_message": "Please review the problems below.",
			}).Status(http.StatusUnprocessableEntity).Render("admin/accounts/edit", router.ViewContext{
				"slug":   slug,
				"record": scrub(*payload),
				"errors": FormatValidationErrorToMap(err),
				"roles":  roleOptions(),
			})
		}
		return c.Auther.ErrorHandler(ctx, err)
	}

	// the slug is frozen so the URL stays valid after a rename
	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Account was successfully updated.",
	}).Redirect(c.BasePath+"/"+slug, http.StatusSeeOther)
}

func (c *AdminController) Delete(ctx router.Context) error {
	err := NewDeleteAccountHandler(c.Svc).Execute(ctx.Context(), DeleteAccountMessage{
		Actor: CurrentAccount(ctx),
		Slug:  ctx.Param("slug"),
	})
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Account was successfully deleted.",
	}).Redirect(c.BasePath, http.StatusSeeOther)
}

func (c *AdminController) Unlock(ctx router.Context) error {
	slug := ctx.Param("slug")

	var outcome TokenOutcome
	err := NewAdminUnlockHandler(c.Svc).Execute(ctx.Context(), AdminUnlockMessage{
		Actor: CurrentAccount(ctx),
		Slug:  slug,
		OnResponse: func(o TokenOutcome, _ *Account) {
			outcome = o
		},
	})
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}

	if outcome == TokenNotLocked {
		return flash.WithError(ctx, router.ViewContext{
			"error_message": outcome.Message(),
		}).Redirect(c.BasePath+"/"+slug, http.StatusSeeOther)
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Account was successfully unlocked.",
	}).Redirect(c.BasePath+"/"+slug, http.StatusSeeOther)
}

// AccountRecord is the JSON view of an account
type AccountRecord struct {
	ID          string  `json:"id"`
	Slug        string  `json:"slug"`
	Email       string  `json:"email"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Role        string  `json:"role"`
	RoleName    string  `json:"role_name"`
	State       string  `json:"state"`
	SignInCount int     `json:"sign_in_count"`
	CreatedAt   string  `json:"created_at"`
	CreatedBy   *string `json:"created_by_id,omitempty"`
}

// NewAccountRecord builds the JSON view of an account
func NewAccountRecord(a *Account) AccountRecord {
	r := AccountRecord{
		ID:          a.ID.String(),
		Slug:        a.Slug,
		Email:       a.Email,
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Role:        string(a.Role),
		RoleName:    a.RoleName(),
		State:       string(a.State()),
		SignInCount: a.SignInCount,
		CreatedAt:   a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.CreatedByID != nil {
		id := a.CreatedByID.String()
		r.CreatedBy = &id
	}
	return r
}

func (c *AdminController) APIIndex(ctx router.Context) error {
	result, err := c.Queries.List(ctx.Context(), CurrentAccount(ctx), ListQueryFromRequest(ctx))
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}

	records := make([]AccountRecord, 0, len(result.Records))
	for _, a := range result.Records {
		records = append(records, NewAccountRecord(a))
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"records":  records,
		"total":    result.Total,
		"page":     result.Page,
		"per_page": result.PerPage,
		"pages":    result.Pages(),
	})
}

func (c *AdminController) APIShow(ctx router.Context) error {
	account, err := c.Queries.Show(ctx.Context(), CurrentAccount(ctx), ctx.Param("slug"))
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}
	return ctx.JSON(http.StatusOK, NewAccountRecord(account))
}

func (c *AdminController) APIDelete(ctx router.Context) error {
	err := NewDeleteAccountHandler(c.Svc).Execute(ctx.Context(), DeleteAccountMessage{
		Actor: CurrentAccount(ctx),
		Slug:  ctx.Param("slug"),
	})
	if err != nil {
		return c.Auther.ErrorHandler(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (c *AdminController) renderForm(ctx router.Context, view string, status int, record AccountPayload, errs map[string]string) error {
	return flash.WithError(ctx, router.ViewContext{
		"error_message": "Please review the problems below.",
	}).Status(status).Render(view, router.ViewContext{
		"record": record,
		"errors": errs,
		"roles":  roleOptions(),
	})
}

func scrub(p AccountPayload) AccountPayload {
	p.Password, p.PasswordConfirmation = "", ""
	return p
}

func roleOptions() []map[string]string {
	out := make([]map[string]string, 0, len(AllRoles()))
	for _, r := range AllRoles() {
		out = append(out, map[string]string{"value": string(r), "label": r.Display()})
	}
	return out
}
