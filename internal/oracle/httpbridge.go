package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

// HTTPBridgeOptions parameterise the bridge node client.
type HTTPBridgeOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPBridge talks to an oracle bridge node over its JSON API. The node
// carries requests to the oracle network, enforces payment sufficiency, and
// relays results back.
type HTTPBridge struct {
	opts    HTTPBridgeOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewHTTPBridge constructs a bridge node client.
func NewHTTPBridge(opts HTTPBridgeOptions, logger zerolog.Logger) *HTTPBridge {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPBridge{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "oracle_bridge").Logger(),
	}
}

type postRequestPayload struct {
	Descriptor    hexutil.Bytes `json:"descriptor"`
	RequestReward string        `json:"request_reward"`
	ResultReward  string        `json:"result_reward"`
	BlockReward   string        `json:"block_reward"`
}

type postRequestResponse struct {
	RequestID uint64 `json:"request_id"`
}

type requestStatusResponse struct {
	RequestID uint64 `json:"request_id"`
	Status    string `json:"status"`
}

type resultResponse struct {
	OK        bool          `json:"ok"`
	ErrorCode uint8         `json:"error_code"`
	Payload   hexutil.Bytes `json:"payload"`
}

type bridgeErrorResponse struct {
	Error string `json:"error"`
}

// PostRequest submits a request descriptor with its rewards.
func (b *HTTPBridge) PostRequest(ctx context.Context, descriptor []byte, rewards Rewards) (RequestID, error) {
	if b.baseURL == "" {
		return 0, errors.New("bridge base url not configured")
	}
	if len(descriptor) == 0 {
		return 0, errors.New("empty request descriptor")
	}

	body, err := json.Marshal(postRequestPayload{
		Descriptor:    descriptor,
		RequestReward: rewards.Request.String(),
		ResultReward:  rewards.Result.String(),
		BlockReward:   rewards.Block.String(),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post oracle request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusPaymentRequired:
		return 0, fmt.Errorf("%w: %s", ErrInsufficientReward, readBridgeError(resp.Body))
	default:
		return 0, fmt.Errorf("bridge rejected request: status %d: %s", resp.StatusCode, readBridgeError(resp.Body))
	}

	var out postRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode post response: %w", err)
	}

	b.logger.Debug().Uint64("request_id", out.RequestID).
		Str("total_reward", rewards.Total().String()).
		Msg("oracle request posted")
	return RequestID(out.RequestID), nil
}

// IsAccepted reports whether the request has been resolved by the network.
func (b *HTTPBridge) IsAccepted(ctx context.Context, id RequestID) (bool, error) {
	resp, err := b.get(ctx, fmt.Sprintf("%s/requests/%d", b.baseURL, id))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, ErrUnknownRequest
	default:
		return false, fmt.Errorf("bridge status check failed: status %d", resp.StatusCode)
	}

	var out requestStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode status response: %w", err)
	}
	return out.Status == "accepted", nil
}

// FetchResult retrieves the relayed result for an accepted request.
func (b *HTTPBridge) FetchResult(ctx context.Context, id RequestID) (Result, error) {
	resp, err := b.get(ctx, fmt.Sprintf("%s/requests/%d/result", b.baseURL, id))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Result{}, ErrUnknownRequest
	case http.StatusConflict, http.StatusTooEarly:
		return Result{}, ErrNotAccepted
	default:
		return Result{}, fmt.Errorf("bridge result fetch failed: status %d", resp.StatusCode)
	}

	var out resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode result response: %w", err)
	}
	return Result{OK: out.OK, ErrorCode: out.ErrorCode, Payload: out.Payload}, nil
}

func (b *HTTPBridge) get(ctx context.Context, url string) (*http.Response, error) {
	if b.baseURL == "" {
		return nil, errors.New("bridge base url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request: %w", err)
	}
	return resp, nil
}

func (b *HTTPBridge) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclefeeds/1.0")
	}
}

func readBridgeError(r io.Reader) string {
	var out bridgeErrorResponse
	if err := json.NewDecoder(r).Decode(&out); err == nil && out.Error != "" {
		return out.Error
	}
	return "no detail"
}

var _ Bridge = (*HTTPBridge)(nil)
