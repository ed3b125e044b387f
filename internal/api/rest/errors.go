package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/devices"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/rpc"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// failureDetails is returned next to a failed connect so operators see
// reason and remediation together.
type failureDetails struct {
	Reason      types.FailureReason `json:"reason"`
	Hint        string              `json:"hint,omitempty"`
	Status      string              `json:"pnio_status,omitempty"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
}

// respondError maps registry and AR errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	var cerr *rpc.ConnectError
	switch {
	case errors.Is(err, devices.ErrUnknownRTU):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("RTU_404", "RTU not found", err.Error()))
	case errors.Is(err, devices.ErrRTUExists):
		c.JSON(http.StatusConflict, types.NewErrorResponse("RTU_409", "RTU already registered", err.Error()))
	case errors.Is(err, processimage.ErrUnknownSubmodule):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("IMAGE_404", "Submodule not found", err.Error()))
	case errors.Is(err, ar.ErrBusy):
		c.JSON(http.StatusConflict, types.NewErrorResponse("AR_409", "Connect already in progress", err.Error()))
	case errors.Is(err, ar.ErrAborted), errors.Is(err, context.Canceled):
		c.JSON(http.StatusConflict, types.NewErrorResponse("AR_409", "Connect aborted", err.Error()))
	case errors.As(err, &cerr):
		details := failureDetails{
			Reason:      cerr.Reason,
			Hint:        cerr.Reason.Hint(),
			Diagnostics: cerr.Diagnostics,
		}
		if !cerr.Status.OK() {
			details.Status = cerr.Status.String()
		}
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("AR_502", cerr.Error(), details))
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, types.NewErrorResponse("AR_504", "Timed out waiting for connect admission", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL_500", "Request failed", err.Error()))
	}
}
