package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/Astemirdum/lending-service/internal/errs"
	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/pkg/auth"
	mw "github.com/Astemirdum/lending-service/pkg/middleware"
	"github.com/Astemirdum/lending-service/pkg/validate"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Handler struct {
	lendingSvc LendingService
	log        *zap.Logger
}

func New(lendingSvc LendingService, log *zap.Logger) *Handler {
	return &Handler{
		lendingSvc: lendingSvc,
		log:        log,
	}
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
		AllowCredentials: true,
	}))

	base := e.Group("", mw.NewRateLimiter(baseRPS))
	base.GET("/manage/health", h.Health)

	e.Validator = validate.NewCustomValidator()
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(mw.RequestLoggerConfig()),
		middleware.RequestID(),
		mw.NewRateLimiter(apiRPS),
		mw.AuthContext,
	)

	api.GET("/books", h.ListBooks)
	api.GET("/books/:bookUid", h.GetBook)

	api.GET("/reservations", h.GetReservations)
	api.POST("/reservations", h.CreateReservation)
	api.POST("/reservations/:reservationUid/approve", h.Approve)
	api.POST("/reservations/:reservationUid/checkout", h.Checkout)
	api.POST("/reservations/:reservationUid/return", h.Return)
	api.POST("/reservations/:reservationUid/cancel", h.Cancel)
	api.POST("/reservations/:reservationUid/renew", h.Renew)
	api.GET("/reservations/:reservationUid/access", h.CheckAccess)

	return e
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) ListBooks(c echo.Context) error {
	ctx := c.Request().Context()
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))
	showAll, _ := strconv.ParseBool(c.QueryParam("showAll"))

	books, err := h.lendingSvc.ListBooks(ctx, showAll, page, size)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, books)
}

func (h *Handler) GetBook(c echo.Context) error {
	ctx := c.Request().Context()
	bookUid := c.Param("bookUid")
	if bookUid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "empty bookUid")
	}
	book, err := h.lendingSvc.GetBook(ctx, bookUid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

func (h *Handler) GetReservations(c echo.Context) error {
	ctx := c.Request().Context()
	rsv, err := h.lendingSvc.GetReservations(ctx, auth.UserName(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rsv)
}

func (h *Handler) CreateReservation(c echo.Context) error {
	var req model.CreateReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	req.UserName = auth.UserName(ctx)

	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := h.lendingSvc.CreateReservation(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.applyTransition(c, h.lendingSvc.Approve)
}

func (h *Handler) Checkout(c echo.Context) error {
	return h.applyTransition(c, h.lendingSvc.Checkout)
}

func (h *Handler) Return(c echo.Context) error {
	return h.applyTransition(c, h.lendingSvc.Return)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.applyTransition(c, h.lendingSvc.Cancel)
}

func (h *Handler) Renew(c echo.Context) error {
	return h.applyTransition(c, h.lendingSvc.Renew)
}

func (h *Handler) CheckAccess(c echo.Context) error {
	ctx := c.Request().Context()
	reservationUid := c.Param("reservationUid")
	if reservationUid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reservationUid is empty")
	}
	grant, err := h.lendingSvc.CheckAccess(ctx, reservationUid, time.Now().UTC())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, grant)
}

type transitionFn func(ctx context.Context, reservationUid string) (model.Reservation, error)

func (h *Handler) applyTransition(c echo.Context, fn transitionFn) error {
	ctx := c.Request().Context()
	reservationUid := c.Param("reservationUid")
	if reservationUid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reservationUid is empty")
	}
	resp, err := fn(ctx, reservationUid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// httpError maps the lending error taxonomy onto HTTP statuses. Every kind
// keeps its own message; nothing is coerced into a generic success.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrConflict),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrCapacity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
