package admin

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"ms-landmarket/internal/auth"
	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/minting"
	"ms-landmarket/internal/reservation"
	"ms-landmarket/internal/settlement"
	setdb "ms-landmarket/internal/settlement/db"
	"ms-landmarket/internal/utils"
)

// Handler is the operator surface: settlement retries, sweeps and
// referral lookups. It runs on its own port behind internal network
// policy, separate from the buyer API.
type Handler struct {
	Reservations *reservation.Service
	Settlement   *settlement.Service
	Minting      *minting.Service
	Store        *setdb.DB
	Logger       *logger.Logger
}

func (h *Handler) Register(r *gin.Engine) {
	admin := r.Group("/admin")
	admin.Use(h.operatorAudit)
	admin.GET("/reservations/:reservationId", h.GetReservation)
	admin.POST("/reservations/:reservationId/finalize", h.Finalize)
	admin.POST("/reservations/sweep", h.Sweep)
	admin.POST("/minting/reconcile", h.Reconcile)
	admin.GET("/referrers/:referrerId", h.GetReferrer)
}

// operatorAudit logs mutating admin calls with the operator id from the
// gateway-forwarded token. The gateway already verified the signature, so
// an unverified claim parse is enough here.
func (h *Handler) operatorAudit(c *gin.Context) {
	if c.Request.Method != http.MethodGet {
		operator := "unknown"
		if token, err := auth.ExtractTokenFromRequest(c.Request); err == nil {
			if sub, err := auth.ExtractOwnerIDFromJWT(token); err == nil {
				operator = sub
			}
		}
		h.Logger.Info("ADMIN", fmt.Sprintf("%s %s by %s", c.Request.Method, c.Request.URL.Path, operator))
	}
	c.Next()
}

func (h *Handler) GetReservation(c *gin.Context) {
	res, err := h.Reservations.GetReservation(c.Request.Context(), c.Param("reservationId"))
	if err != nil {
		h.writeError(c, "could not load reservation", err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("reservation", res))
}

// Finalize is the admin retry path for stuck settlements. Same routine
// as the buyer path, so it is safe to hammer.
func (h *Handler) Finalize(c *gin.Context) {
	outcome, err := h.Settlement.Finalize(c.Request.Context(), c.Param("reservationId"))
	if err != nil {
		h.writeError(c, "could not finalize reservation", err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("settlement outcome", outcome))
}

func (h *Handler) Sweep(c *gin.Context) {
	expired, err := h.Reservations.ExpireDue(c.Request.Context(), 500)
	if err != nil {
		h.writeError(c, "sweep failed", err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("sweep complete", gin.H{"expired": expired}))
}

func (h *Handler) Reconcile(c *gin.Context) {
	minted, err := h.Minting.Reconcile(c.Request.Context(), 500)
	if err != nil {
		h.writeError(c, "reconcile failed", err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("reconcile complete", gin.H{"minted": minted}))
}

func (h *Handler) GetReferrer(c *gin.Context) {
	ref, err := h.Store.GetReferrer(c.Request.Context(), c.Param("referrerId"))
	if err != nil {
		h.writeError(c, "could not load referrer", err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("referrer", ref))
}

func (h *Handler) writeError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindInvalid:
		status = http.StatusBadRequest
	case errs.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, utils.ErrorResponse(message, err.Error()))
}
