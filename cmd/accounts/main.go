package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/django/v3"
	cfs "github.com/goliatone/go-composite-fs"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-router"
	mflash "github.com/goliatone/go-router/middleware/flash"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/activitymap"
	"github.com/goliatone/go-accounts/config"
	"github.com/goliatone/go-accounts/mailqueue"
	"github.com/goliatone/go-accounts/middleware/csrf"
	"github.com/goliatone/go-accounts/migrations"
	"github.com/goliatone/go-accounts/redisstore"
)

//go:embed views
var viewsFS embed.FS

type App struct {
	config  *config.BaseConfig
	logger  *glog.BaseLogger
	client  *persistence.Client
	db      *bun.DB
	repo    accounts.RepositoryManager
	svc     *accounts.Services
	auth    *accounts.Authenticator
	auther  *accounts.RouteAuthenticator
	srv     router.Server[*fiber.App]
	closers []func() error
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("app"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	ctx := context.Background()

	cfg, err := config.Load(ctx, lgr.GetLogger("config"))
	if err != nil {
		panic(err)
	}

	fmt.Println("============")
	fmt.Println(cfg.String())
	fmt.Println("============")

	if err := accounts.ValidateDisplayNames(accounts.RoleDisplayNames); err != nil {
		panic(err)
	}

	app := &App{
		config: cfg,
		logger: lgr,
	}

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	if err := WithServices(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	if err := WithRoutes(ctx, app); err != nil {
		panic(err)
	}

	if cfg.App.Seed {
		if err := Seed(ctx, app); err != nil {
			panic(err)
		}
	}

	go func() {
		if err := app.srv.Serve(cfg.App.Addr); err != nil {
			app.GetLogger("app").Error("server stopped", "error", err)
		}
	}()

	WaitExitSignal()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := app.srv.Shutdown(shutdownCtx); err != nil {
		app.GetLogger("app").Error("server shutdown", "error", err)
	}

	if err := app.svc.Close(shutdownCtx); err != nil {
		app.GetLogger("app").Warn("mail flush", "error", err)
	}

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.GetLogger("app").Warn("close failed", "error", err)
		}
	}
}

func WithPersistence(ctx context.Context, app *App) error {
	pcfg := app.config.Persistence

	persistence.RegisterModel(
		(*accounts.Account)(nil),
		(*accounts.AccountToken)(nil),
	)

	var (
		sqldb   *sql.DB
		err     error
		dialect schema.Dialect
	)

	switch pcfg.Driver {
	case migrations.DialectPostgres:
		sqldb, err = sql.Open("pgx", pcfg.DSN)
		dialect = pgdialect.New()
	default:
		sqldb, err = sql.Open(sqliteshim.ShimName, pcfg.DSN)
		dialect = sqlitedialect.New()
	}
	if err != nil {
		return errors.Wrap(err, errors.CategoryOperation, "failed to open database")
	}

	client, err := migrations.Open(ctx, pcfg, sqldb, dialect,
		app.GetLogger("persistence"),
		persistence.WithBundebug(),
	)
	if err != nil {
		_ = sqldb.Close()
		return err
	}
	app.onClose(client.Close)

	if report := client.Report(); report != nil && !report.IsZero() {
		app.GetLogger("persistence").Info("migrations applied", "report", report.String())
	}

	repo := accounts.NewRepositoryManager(client.DB())
	if err := repo.Validate(); err != nil {
		return err
	}

	app.client = client
	app.db = client.DB()
	app.repo = repo
	return nil
}

func WithServices(ctx context.Context, app *App) error {
	cfg := app.config

	mailer, err := newMailer(ctx, app)
	if err != nil {
		return err
	}

	svc, err := accounts.NewServices(app.repo, cfg, mailer,
		accounts.WithServicesLogger(app.GetLogger("accounts")),
		accounts.WithServicesActivitySink(activitymap.NewSink(activitymap.LogWriter(app.GetLogger("activity")))),
	)
	if err != nil {
		return err
	}

	auth := accounts.NewAuthenticator(svc, cfg).
		WithLogger(app.GetLogger("accounts:auth"))

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return errors.Wrap(err, errors.CategoryOperation, "redis is not reachable")
		}
		app.onClose(client.Close)

		auth.WithThrottle(redisstore.NewThrottle(client, cfg.Redis.Prefix, cfg.Throttle.Burst, cfg.Throttle.Window)).
			WithRevocationList(redisstore.NewRevocationList(client, cfg.Redis.Prefix))
	} else {
		auth.WithThrottle(accounts.NewMemoryThrottle(cfg.Throttle.Burst, cfg.Throttle.Window))
	}

	app.svc = svc
	app.auth = auth
	app.auther = accounts.NewHTTPAuthenticator(auth, cfg).
		WithLogger(app.GetLogger("accounts:http"))

	return nil
}

// newMailer picks the transport. With the queue transport the request path
// only publishes; the worker delivers through SMTP when configured.
func newMailer(ctx context.Context, app *App) (accounts.Mailer, error) {
	mcfg := app.config.Mail

	var relay accounts.Mailer = accounts.LogMailer{Logger: app.GetLogger("mail")}
	if mcfg.SMTPAddr != "" {
		relay = accounts.SMTPMailer{
			Addr:     mcfg.SMTPAddr,
			Username: mcfg.SMTPUsername,
			Password: mcfg.SMTPPassword,
		}
	}

	switch mcfg.Transport {
	case config.TransportAMQP:
		conn, ch, err := mailqueue.Dial(app.config.Queue.URL)
		if err != nil {
			return nil, err
		}
		app.onClose(conn.Close)

		publisher, err := mailqueue.NewPublisher(ch, app.config.Queue.Name, app.GetLogger("mail:queue"))
		if err != nil {
			return nil, err
		}

		if app.config.Queue.Embed {
			_, workerCh, err := mailqueue.Dial(app.config.Queue.URL)
			if err != nil {
				return nil, err
			}
			worker := mailqueue.NewWorker(workerCh, app.config.Queue.Name, relay, app.GetLogger("mail:worker"))
			go func() {
				if err := worker.Run(ctx); err != nil {
					app.GetLogger("mail:worker").Error("mail worker stopped", "error", err)
				}
			}()
		}
		return publisher, nil

	case config.TransportSMTP:
		return relay, nil
	}

	return accounts.LogMailer{Logger: app.GetLogger("mail")}, nil
}

func WithHTTPServer(_ context.Context, app *App) error {
	var templates fs.FS
	templates, err := fs.Sub(viewsFS, "views")
	if err != nil {
		return err
	}

	// Disk overrides embedded, so it comes first.
	if dir := app.config.App.ViewsDir; dir != "" {
		templates = cfs.NewCompositeFS(os.DirFS(dir), templates)
	}

	engine := django.NewFileSystem(http.FS(templates), ".html")
	engine.Reload(app.config.App.Debug)
	engine.AddFuncMap(accounts.TemplateHelpers(app.svc.Policy))

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: app.config.App.Debug,
			StrictRouting:     false,
			PassLocalsToViews: true,
			Views:             engine,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	key := sha256.Sum256([]byte(app.config.GetCSRFKey()))
	sessionCookie := app.config.GetContextKey()

	srv.Router().Use(mflash.New(mflash.ConfigDefault))
	srv.Router().Use(app.auther.Authenticate())
	srv.Router().Use(csrf.New(csrf.Config{
		SecureKey: key[:],
		Skip: func(ctx router.Context) bool {
			return accounts.IsAPIRequest(ctx.Path())
		},
		SessionKey: func(ctx router.Context) string {
			if session := ctx.Cookies(sessionCookie); session != "" {
				return "session:" + session
			}
			return "ip:" + ctx.IP()
		},
		ErrorHandler: app.auther.ErrorHandler,
	}))

	app.srv = srv
	return nil
}

func WithRoutes(_ context.Context, app *App) error {
	authCtrl := accounts.NewAuthController(
		accounts.WithAuthServices(app.svc),
		accounts.WithAuthRouteAuthenticator(app.auther),
		accounts.WithAuthControllerLogger(app.GetLogger("accounts:ctrl")),
	)
	authCtrl.Debug = app.config.App.Debug

	admin := accounts.NewAdminController(app.svc, app.auther).
		WithLogger(app.GetLogger("accounts:admin"))

	contact := accounts.NewContactController(app.svc, app.auther)
	contact.Logger = app.GetLogger("accounts:contact")

	table := accounts.NewRouteTable(app.svc.Policy).
		Add(accounts.Route{
			Method:  http.MethodGet,
			Path:    "/",
			Name:    "home",
			Policy:  accounts.Public(),
			Handler: Home,
		}).
		Add(authCtrl.RouteTable()...).
		Add(admin.RouteTable()...).
		Add(contact.RouteTable()...)

	return table.Mount(app.srv.Router(), app.auther.Guard(app.svc.Policy))
}

func Home(ctx router.Context) error {
	return ctx.Render("home", router.ViewContext{})
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
