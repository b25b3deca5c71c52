package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-landmarket/internal/api"
	"ms-landmarket/internal/auth"
	"ms-landmarket/internal/inventory"
	invdb "ms-landmarket/internal/inventory/db"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/models"
	"ms-landmarket/internal/payment"
	"ms-landmarket/internal/pricing"
	"ms-landmarket/internal/reservation"
	resdb "ms-landmarket/internal/reservation/db"
	"ms-landmarket/internal/settlement"
)

// stubAuth stands in for the OIDC middleware so handler tests can pick
// the acting buyer per request via a header.
func stubAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner := r.Header.Get("X-Test-Owner"); owner != "" {
			r = r.WithContext(auth.WithOwnerID(r.Context(), owner))
		}
		next.ServeHTTP(w, r)
	})
}

// noMatcher reports no qualifying transfer, so finalize always lands on
// AWAITING_CONFIRMATIONS.
type noMatcher struct{}

func (noMatcher) FindTransfer(ctx context.Context, r *models.Reservation) (*payment.Match, error) {
	return nil, nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func setupServer(t *testing.T) (*httptest.Server, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.LandSlot)(nil),
		(*models.Area)(nil),
		(*models.Reservation)(nil),
		(*models.PaymentRecord)(nil),
		(*models.Ownership)(nil),
		(*models.ReferralEarning)(nil),
		(*models.Referrer)(nil),
	} {
		_, err = bunDB.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}

	slots := make([]models.LandSlot, 0, 5)
	for seq := 1; seq <= 5; seq++ {
		slots = append(slots, models.LandSlot{
			SlotID:   models.MakeSlotID("genesis", "X", seq),
			Region:   "genesis",
			Area:     "X",
			Sequence: seq,
			Status:   models.SlotAvailable,
		})
	}
	_, err = bunDB.NewInsert().Model(&slots).Exec(ctx)
	require.NoError(t, err)
	area := models.Area{Region: "genesis", Code: "X", TotalSlots: 5}
	_, err = bunDB.NewInsert().Model(&area).Exec(ctx)
	require.NoError(t, err)

	log := logger.NewLogger()
	inv := inventory.NewService(&invdb.DB{Bun: bunDB}, nil, log, 15*time.Minute)
	calc := pricing.NewCalculator(dec("10"), dec("5"), dec("0.25"))
	res := reservation.NewService(&resdb.DB{Bun: bunDB}, inv, calc, nil, nil, log, "0xTREASURY")
	set := settlement.NewService(bunDB, res, noMatcher{}, nil, nil, log)

	h := &api.Handler{Reservations: res, Settlement: set, Inventory: inv}
	r := chi.NewRouter()
	h.PublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(stubAuth)
		h.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		bunDB.Close()
	})
	return srv, bunDB
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, owner string, body interface{}, out interface{}) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCreateAndGetReservation(t *testing.T) {
	srv, _ := setupServer(t)

	var created struct {
		Success bool                       `json:"success"`
		Data    models.ReservationResponse `json:"data"`
	}
	status := doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 2}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, created.Success)
	assert.Len(t, created.Data.SlotIDs, 2)
	assert.True(t, created.Data.FinalAmount.Equal(dec("20")))

	var fetched struct {
		Data models.Reservation `json:"data"`
	}
	status = doJSON(t, srv, http.MethodGet, "/api/reservations/"+created.Data.ReservationID, "owner-1", nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.ReservationPending, fetched.Data.Status)
	assert.Equal(t, "owner-1", fetched.Data.OwnerID)
}

func TestGetReservationHiddenFromOtherOwners(t *testing.T) {
	srv, _ := setupServer(t)

	var created struct {
		Data models.ReservationResponse `json:"data"`
	}
	status := doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 1}, &created)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, srv, http.MethodGet, "/api/reservations/"+created.Data.ReservationID, "owner-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := setupServer(t)

	// Unknown reservation maps NotFound to 404.
	status := doJSON(t, srv, http.MethodGet, "/api/reservations/missing", "owner-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Exhausted area maps Conflict to 409.
	status = doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 50}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Bad quantity maps Invalid to 400.
	status = doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSubmitPaymentAndReferral(t *testing.T) {
	srv, _ := setupServer(t)

	var created struct {
		Data models.ReservationResponse `json:"data"`
	}
	status := doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 1}, &created)
	require.Equal(t, http.StatusCreated, status)
	id := created.Data.ReservationID

	status = doJSON(t, srv, http.MethodPost, "/api/reservations/"+id+"/payment", "owner-1",
		map[string]string{"tx_hash": "not a hash"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var paid struct {
		Data models.Reservation `json:"data"`
	}
	status = doJSON(t, srv, http.MethodPost, "/api/reservations/"+id+"/payment", "owner-1",
		map[string]string{"tx_hash": "0xabcdef0123456789abcdef0123456789"}, &paid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789", paid.Data.TxHash)

	status = doJSON(t, srv, http.MethodPost, "/api/reservations/"+id+"/referral", "owner-1",
		map[string]string{"referrer_id": "owner-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var referred struct {
		Data models.Reservation `json:"data"`
	}
	status = doJSON(t, srv, http.MethodPost, "/api/reservations/"+id+"/referral", "owner-1",
		map[string]string{"referrer_id": "referrer-9"}, &referred)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, referred.Data.FinalAmount.Equal(dec("5")))
}

func TestFinalizeReportsAwaiting(t *testing.T) {
	srv, _ := setupServer(t)

	var created struct {
		Data models.ReservationResponse `json:"data"`
	}
	status := doJSON(t, srv, http.MethodPost, "/api/reservations", "owner-1",
		models.ReservationRequest{Region: "genesis", Area: "X", Quantity: 1}, &created)
	require.Equal(t, http.StatusCreated, status)

	var out struct {
		Data settlement.Outcome `json:"data"`
	}
	status = doJSON(t, srv, http.MethodPost, "/api/reservations/"+created.Data.ReservationID+"/finalize", "owner-1", nil, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, settlement.ResultAwaitingConfirmations, out.Data.Result)
}

func TestListAreas(t *testing.T) {
	srv, _ := setupServer(t)

	var out struct {
		Data []models.Area `json:"data"`
	}
	status := doJSON(t, srv, http.MethodGet, "/api/areas?region=genesis", "", nil, &out)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "X", out.Data[0].Code)
	assert.Equal(t, 5, out.Data[0].TotalSlots)
}
