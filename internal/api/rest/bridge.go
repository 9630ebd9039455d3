package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/bridge/status
func (s *Server) getBridgeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Bridge().Status())
}

// GET /api/v1/bridge/report
func (s *Server) getLastReport(c *gin.Context) {
	report, ok := s.lm.Bridge().LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "No tick has run yet", nil))
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /api/v1/bridge/sensors
func (s *Server) getSensors(c *gin.Context) {
	sensors := s.lm.Bridge().SensorStates()
	c.JSON(http.StatusOK, gin.H{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

// GET /api/v1/cell
func (s *Server) getCell(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Bridge().CellSnapshot())
}

// command queues cmd on the runner and reports the resulting status.
func (s *Server) command(name string) gin.HandlerFunc {
	cmd, ok := runner.ParseCommand(name)
	if !ok {
		panic("unknown runner command " + name)
	}

	return func(c *gin.Context) {
		ctl := s.lm.Bridge()
		err := ctl.Execute(c.Request.Context(), cmd)
		if err == nil {
			c.JSON(http.StatusOK, ctl.Status())
			return
		}

		status, code := commandError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Bridge command failed", zap.String("command", name), zap.Error(err))
		} else {
			s.logger.Warn("Bridge command rejected", zap.String("command", name), zap.Error(err))
		}
		c.JSON(status, types.NewErrorResponse(code, "Bridge "+name+" failed", gin.H{
			"error":  err.Error(),
			"status": ctl.Status(),
		}))
	}
}

func commandError(err error) (int, string) {
	var connectErr *opcua.ConnectError
	var resolveErr *opcua.ResolveError
	var ioErr *opcua.IoError

	switch {
	case errors.Is(err, bridge.ErrAlreadyActive):
		return http.StatusConflict, types.CodeConflict
	case errors.Is(err, runner.ErrNotRunning), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, types.CodeUnavailable
	case errors.As(err, &connectErr):
		if errors.Is(err, opcua.ErrAuthRejected) {
			return http.StatusBadGateway, types.CodeUnauthorized
		}
		return http.StatusBadGateway, types.CodeUnavailable
	case errors.As(err, &resolveErr):
		return http.StatusUnprocessableEntity, types.CodeBadRequest
	case errors.As(err, &ioErr) && (errors.Is(err, opcua.ErrDisconnected) || errors.Is(err, opcua.ErrTimeout)):
		// PLC went away while binding
		return http.StatusBadGateway, types.CodeUnavailable
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}
