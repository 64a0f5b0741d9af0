package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	md "github.com/Astemirdum/library-circulation/pkg/middleware"
	"github.com/Astemirdum/library-circulation/pkg/validate"
)

type Handler struct {
	svc     CirculationService
	metrics http.Handler
	log     *zap.Logger
}

func New(svc CirculationService, metrics http.Handler, log *zap.Logger) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		log:     log.Named("handler"),
	}
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPost},
	}))

	base := e.Group("", md.NewRateLimiter(baseRPS))
	base.GET("/manage/health", h.Health)
	if h.metrics != nil {
		base.GET("/metrics", echo.WrapHandler(h.metrics))
	}

	e.Validator = validate.NewCustomValidator()
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(md.RequestLoggerConfig(h.log)),
		middleware.RequestID(),
		md.NewRateLimiter(apiRPS),
	)

	api.POST("/loans", h.IssueLoan)
	api.GET("/loans", h.ListLoans)
	api.GET("/loans/overdue", h.ListOverdueLoans)
	api.GET("/loans/:loanId", h.GetLoan)
	api.POST("/loans/:loanId/return", h.ReturnLoan)

	api.GET("/users/:userId/loans", h.ListOpenLoans)
	api.GET("/users/:userId/history", h.LoanHistory)

	api.GET("/stats", h.Stats)

	return e
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) IssueLoan(c echo.Context) error {
	var req model.IssueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loan, err := h.svc.IssueLoan(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, loan)
}

func (h *Handler) ReturnLoan(c echo.Context) error {
	loanID := c.Param("loanId")
	var req model.ReturnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// zero means now
	var at time.Time
	if req.Date != nil {
		at = *req.Date
	}
	loan, err := h.svc.ReturnLoan(c.Request().Context(), loanID, at)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

func (h *Handler) GetLoan(c echo.Context) error {
	loan, err := h.svc.GetLoan(c.Request().Context(), c.Param("loanId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

func (h *Handler) ListLoans(c echo.Context) error {
	loans, err := h.svc.ListLoans(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listLoans(loans))
}

func (h *Handler) ListOverdueLoans(c echo.Context) error {
	loans, err := h.svc.ListOverdueLoans(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listLoans(loans))
}

func (h *Handler) ListOpenLoans(c echo.Context) error {
	loans, err := h.svc.ListOpenLoans(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listLoans(loans))
}

func (h *Handler) LoanHistory(c echo.Context) error {
	loans, err := h.svc.LoanHistory(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, listLoans(loans))
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func listLoans(loans []model.Loan) model.ListLoans {
	if loans == nil {
		loans = []model.Loan{}
	}
	return model.ListLoans{Count: len(loans), Items: loans}
}

func httpError(err error) *echo.HTTPError {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		code = http.StatusConflict
	}
	return echo.NewHTTPError(code, err.Error())
}
