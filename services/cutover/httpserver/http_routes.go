package httpserver

import (
	"context"
	"net/http"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StatusProvider is the live orchestrator surface the HTTP API exposes.
type StatusProvider interface {
	Status() api.CutoverMetrics
	ForceRollback(ctx context.Context) error
}

type HttpHandler struct {
	logger   *zap.Logger
	provider StatusProvider
	db       db.Database
	pairKey  string
}

func NewHttpHandler(logger *zap.Logger, provider StatusProvider, database db.Database, pairKey string) *HttpHandler {
	return &HttpHandler{
		logger:   logger,
		provider: provider,
		db:       database,
		pairKey:  pairKey,
	}
}

func (h *HttpHandler) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1/cutover")
	v1.GET("/status", h.GetStatus)
	v1.GET("/state", h.GetDurableState)
	v1.POST("/rollback", h.PostRollback)
}

// GetStatus godoc
//
//	@Summary	Live cutover status snapshot
//	@Produce	json
//	@Success	200	{object}	api.CutoverMetrics
//	@Router		/api/v1/cutover/status [get]
func (h *HttpHandler) GetStatus(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, h.provider.Status())
}

// GetDurableState godoc
//
//	@Summary	Last durably persisted phase record
//	@Produce	json
//	@Router		/api/v1/cutover/state [get]
func (h *HttpHandler) GetDurableState(ctx echo.Context) error {
	state, err := h.db.GetCutoverState(h.pairKey)
	if err != nil {
		h.logger.Error("failed to read cutover state", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read cutover state")
	}
	if state == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no cutover recorded for this pair")
	}
	return ctx.JSON(http.StatusOK, state)
}

// PostRollback godoc
//
//	@Summary	Force an immediate rollback of the running cutover
//	@Success	202
//	@Router		/api/v1/cutover/rollback [post]
func (h *HttpHandler) PostRollback(ctx echo.Context) error {
	go func() {
		if err := h.provider.ForceRollback(context.Background()); err != nil {
			h.logger.Error("operator rollback failed", zap.Error(err))
		}
	}()
	return ctx.NoContent(http.StatusAccepted)
}
