package indexer_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/payment/indexer"
)

func TestTransfersFollowsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "0xTREASURY", r.URL.Query().Get("recipient"))

		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"transfers":[
				{"tx_hash":"0xaaa","from":"0x1","to":"0xTREASURY","token_contract":"0xUSDT","amount":"100","block_time":"2026-08-30T10:00:00Z","block_height":500}
			],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"transfers":[
				{"tx_hash":"0xbbb","from":"0x2","to":"0xTREASURY","token_contract":"0xUSDT","amount":"50","block_time":"2026-08-30T10:05:00Z","block_height":525}
			],"next_page":0}`)
		default:
			t.Fatalf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	c := indexer.NewClient(srv.URL, "test-key", 5*time.Second, logger.NewLogger())
	transfers, err := c.Transfers(context.Background(), "0xTREASURY", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "0xaaa", transfers[0].TxHash)
	assert.Equal(t, "0xbbb", transfers[1].TxHash)
	assert.Equal(t, int64(525), transfers[1].BlockHeight)
	assert.Equal(t, "100", transfers[0].Amount.String())
}

func TestTransfersServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := indexer.NewClient(srv.URL, "", 5*time.Second, logger.NewLogger())
	_, err := c.Transfers(context.Background(), "0xTREASURY", time.Now().UTC())
	assert.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnavailable))
}

func TestTransfersUnreachableHostIsUnavailable(t *testing.T) {
	// Port from a closed listener, nothing is serving there.
	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()

	c := indexer.NewClient(addr, "", 500*time.Millisecond, logger.NewLogger())
	_, err := c.Transfers(context.Background(), "0xTREASURY", time.Now().UTC())
	assert.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnavailable))
}

func TestChainHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/height", r.URL.Path)
		fmt.Fprint(w, `{"height":123456}`)
	}))
	defer srv.Close()

	c := indexer.NewClient(srv.URL, "", 5*time.Second, logger.NewLogger())
	height, err := c.ChainHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(123456), height)
}
