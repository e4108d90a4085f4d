package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/pkg/auth"
	md "github.com/Astemirdum/library-ledger/pkg/middleware"
	"github.com/Astemirdum/library-ledger/pkg/validate"
	_ "github.com/Astemirdum/library-ledger/swagger"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Handler struct {
	ledgerSvc  LedgerService
	librarySvc LibraryService
	log        *zap.Logger
}

func New(ledgerSvc LedgerService, librarySvc LibraryService, log *zap.Logger) *Handler {
	return &Handler{
		ledgerSvc:  ledgerSvc,
		librarySvc: librarySvc,
		log:        log.Named("handler"),
	}
}

type RouterConfig struct {
	// JWTKey enables bearer tokens; when empty the gateway identity headers are trusted.
	JWTKey  string
	BaseRPS float64
	APIRPS  float64
	// APILimiter replaces the in-process api limiter, e.g. with the shared redis bucket.
	APILimiter middleware.RateLimiterStore
}

func (h *Handler) NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
		AllowCredentials: true,
	}))

	base := e.Group("", md.NewRateLimiter(rate.Limit(cfg.BaseRPS)))
	base.GET("/manage/health", h.Health)
	base.GET("/swagger/*", echoSwagger.WrapHandler)

	e.Validator = validate.NewCustomValidator()

	limiter := md.NewRateLimiter(rate.Limit(cfg.APIRPS))
	if cfg.APILimiter != nil {
		limiter = md.NewRateLimiterWithStore(cfg.APILimiter)
	}
	authMW := md.AuthContext
	if cfg.JWTKey != "" {
		authMW = md.JwtAuthentication([]byte(cfg.JWTKey))
	}
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(md.RequestLoggerConfig(h.log)),
		md.RequestID(),
		limiter,
		authMW,
	)
	h.routes(api)
	return e
}

func (h *Handler) routes(api *echo.Group) {
	api.POST("/patrons", h.RegisterPatron)
	api.GET("/patrons/:id", h.GetPatron)
	api.PATCH("/patrons/:id", h.UpdatePatron)

	api.GET("/titles", h.ListTitles)
	api.GET("/titles/:id", h.GetTitle)
	api.GET("/authors", h.ListAuthors)
	api.GET("/categories", h.ListCategories)
	api.GET("/publishers", h.ListPublishers)
	api.GET("/tags", h.ListTags)

	api.POST("/loans", h.RequestLoan)
	api.GET("/loans", h.ListLoans)
	api.POST("/loans/:id/return", h.ReturnLoan)
	api.DELETE("/loans", h.PurgeLoans)

	api.POST("/reservations", h.RequestReservation)
	api.GET("/reservations", h.ListReservations)
	api.POST("/reservations/:id/finalize", h.FinalizeReservation)

	api.GET("/fines", h.ListFines)
	api.GET("/notifications", h.ListNotifications)
	api.PATCH("/notifications/:id/read", h.MarkNotificationRead)

	admin := api.Group("", md.RequireAdmin)
	admin.POST("/titles", h.CreateTitle)
	admin.DELETE("/titles/:id", h.DeleteTitle)
	admin.PATCH("/titles/:id/restock", h.Restock)
	admin.POST("/authors", h.CreateAuthor)
	admin.DELETE("/authors/:id", h.DeleteAuthor)
	admin.POST("/categories", h.CreateCategory)
	admin.DELETE("/categories/:id", h.DeleteCategory)
	admin.POST("/publishers", h.CreatePublisher)
	admin.DELETE("/publishers/:id", h.DeletePublisher)
	admin.POST("/tags", h.CreateTag)

	admin.DELETE("/reservations/:id", h.DeleteReservation)
	admin.DELETE("/reservations", h.PurgeReservations)
	admin.GET("/inventory", h.InventorySnapshot)
	admin.POST("/fines/sweep", h.SweepOverdueFines)
	admin.GET("/stats", h.Stats)
}

// Health godoc
// @Summary liveness check
// @Tags manage
// @Success 200 {string} string "OK"
// @Router /manage/health [get]
func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// actor turns the authenticated identity into a ledger actor, resolving its patron id when missing.
func (h *Handler) actor(c echo.Context) (model.Actor, error) {
	ctx := c.Request().Context()
	id, err := auth.FromContext(ctx)
	if err != nil {
		return model.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	a, err := h.librarySvc.ResolveActor(ctx, model.Actor{
		Subject:  id.UserName,
		PatronID: id.PatronID,
		Role:     model.Role(id.Role),
	})
	if err != nil {
		return model.Actor{}, h.httpError(err)
	}
	return a, nil
}

func (h *Handler) httpError(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrNoCopiesAvailable),
		errors.Is(err, errs.ErrAlreadyReturned),
		errors.Is(err, errs.ErrUnpaidFines),
		errors.Is(err, errs.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrInvalidDateRange),
		errors.Is(err, errs.ErrInvalidCopies):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	h.log.Error("internal", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func bindValid(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "id is invalid")
	}
	return id, nil
}

func queryInt64(c echo.Context, name string) (int64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" is invalid")
	}
	return n, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	n, err := queryInt64(c, name)
	return int(n), err
}

func queryBool(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, name+" is invalid")
	}
	return b, nil
}

// queryIDs reads a comma separated id list such as ids=1,2,3.
func queryIDs(c echo.Context, name string) ([]int64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, name+" is invalid")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
