package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ms-landmarket/internal/errs"
	"ms-landmarket/internal/logger"
)

// Transfer is one on-chain token transfer as reported by the indexer.
type Transfer struct {
	TxHash        string          `json:"tx_hash"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	TokenContract string          `json:"token_contract"`
	Amount        decimal.Decimal `json:"amount"`
	BlockTime     time.Time       `json:"block_time"`
	BlockHeight   int64           `json:"block_height"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

type transfersPage struct {
	Transfers []Transfer `json:"transfers"`
	NextPage  int        `json:"next_page"`
}

type heightResponse struct {
	Height int64 `json:"height"`
}

// Client talks to the external block indexer. The indexer is a remote
// read-only view of the chain, so every failure here maps to Unavailable
// rather than to a verdict about the payment.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logger.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// Transfers lists inbound transfers to recipient observed since the given
// time, following pagination until the indexer reports no further pages.
func (c *Client) Transfers(ctx context.Context, recipient string, since time.Time) ([]Transfer, error) {
	var all []Transfer
	page := 1
	for {
		q := url.Values{}
		q.Set("recipient", recipient)
		q.Set("since", since.UTC().Format(time.RFC3339))
		q.Set("page", strconv.Itoa(page))

		var body transfersPage
		if err := c.get(ctx, "/v1/transfers?"+q.Encode(), &body); err != nil {
			return nil, err
		}
		all = append(all, body.Transfers...)
		if body.NextPage <= page {
			break
		}
		page = body.NextPage
	}
	c.logger.LogIndexer("TRANSFERS", fmt.Sprintf("%d transfers to %s since %s", len(all), recipient, since.Format(time.RFC3339)))
	return all, nil
}

// ChainHeight returns the indexer's current best block height.
func (c *Client) ChainHeight(ctx context.Context) (int64, error) {
	var body heightResponse
	if err := c.get(ctx, "/v1/height", &body); err != nil {
		return 0, err
	}
	return body.Height, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errs.Internal("build indexer request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("INDEXER", fmt.Sprintf("request %s failed: %v", path, err))
		return errs.Unavailable("block indexer unreachable", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Error("INDEXER", fmt.Sprintf("close response body: %v", err))
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("INDEXER", fmt.Sprintf("request %s returned status %d", path, resp.StatusCode))
		return errs.Unavailable(fmt.Sprintf("block indexer returned status %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Unavailable("decode indexer response", err)
	}
	return nil
}
