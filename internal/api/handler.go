package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-landmarket/internal/auth"
	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/inventory"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/reservation"
	"ms-landmarket/internal/settlement"
	"ms-landmarket/internal/utils"
)

type Handler struct {
	Reservations *reservation.Service
	Settlement   *settlement.Service
	Inventory    *inventory.Service
}

// Routes mounts the buyer-facing API. The caller wraps r with the auth
// middleware; everything here expects an authenticated owner.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/reservations", h.CreateReservation)
	r.Get("/api/reservations", h.ListReservations)
	r.Get("/api/reservations/{reservationId}", h.GetReservation)
	r.Post("/api/reservations/{reservationId}/payment", h.SubmitPayment)
	r.Post("/api/reservations/{reservationId}/referral", h.ApplyReferral)
	r.Post("/api/reservations/{reservationId}/finalize", h.Finalize)
}

// PublicRoutes mounts the routes served without authentication.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Get("/api/areas", h.ListAreas)
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r.Context())

	var req models.ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}

	resp, err := h.Reservations.CreateReservation(r.Context(), ownerID, req)
	if err != nil {
		writeError(w, "could not create reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("reservation created", resp))
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")

	res, err := h.Reservations.GetReservation(r.Context(), reservationID)
	if err != nil {
		writeError(w, "could not load reservation", err)
		return
	}
	if owner := auth.OwnerID(r.Context()); owner != "" && res.OwnerID != owner {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("could not load reservation", "reservation not found"))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("reservation", res))
}

func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r.Context())
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("unauthorized", "missing owner identity"))
		return
	}

	reservations, err := h.Reservations.ListReservationsByOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, "could not list reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("reservations", reservations))
}

func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")

	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}

	res, err := h.Reservations.SubmitPaymentReference(r.Context(), reservationID, req.TxHash)
	if err != nil {
		writeError(w, "could not record payment reference", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("payment reference recorded", res))
}

func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")

	var req struct {
		ReferrerID string `json:"referrer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}

	res, err := h.Reservations.ApplyReferral(r.Context(), reservationID, req.ReferrerID)
	if err != nil {
		writeError(w, "could not apply referral", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("referral applied", res))
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")

	outcome, err := h.Settlement.Finalize(r.Context(), reservationID)
	if err != nil {
		writeError(w, "could not finalize reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("settlement outcome", outcome))
}

func (h *Handler) ListAreas(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	areas, err := h.Inventory.ListAreas(r.Context(), region)
	if err != nil {
		writeError(w, "could not list areas", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("areas", areas))
}

func writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP statuses. Unavailable gets
// 503 plus Retry-After so pollers back off instead of giving up.
func writeError(w http.ResponseWriter, message string, err error) {
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
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, utils.ErrorResponse(message, err.Error()))
}
