package manager

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"fabric.evalgo.org/bus"
)

type flowControlResponse struct {
	OrchestratedFlowID string `json:"orchestratedFlowId"`
	CorrelationID      string `json:"correlationId"`
	Action             string `json:"action"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// startFlow publishes a start command for the flow. The scheduler owns
// admission; the manager only verifies the flow exists.
func (s *Server) startFlow(c echo.Context) error {
	return s.publishFlowCommand(c, bus.FlowActionStart, "")
}

// cancelFlow publishes a cancel command for the flow.
func (s *Server) cancelFlow(c echo.Context) error {
	var body cancelRequest
	// body is optional
	_ = c.Bind(&body)
	return s.publishFlowCommand(c, bus.FlowActionCancel, body.Reason)
}

func (s *Server) publishFlowCommand(c echo.Context, action, reason string) error {
	if s.publisher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message bus not configured")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := s.stores.Flows.Get(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}

	correlationID := correlationFromRequest(c)
	command := bus.OrchestratedFlowCommand{
		Action:             action,
		OrchestratedFlowID: id,
		CorrelationID:      correlationID,
		Reason:             reason,
	}
	if err := s.publisher.Publish(c.Request().Context(), bus.FlowCommandQueue, command); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	return c.JSON(http.StatusAccepted, flowControlResponse{
		OrchestratedFlowID: id.String(),
		CorrelationID:      correlationID.String(),
		Action:             action,
	})
}
