package carrier

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

	"golang.org/x/time/rate"

	"github.com/unclebandit/smsdispatch/internal/model"
)

// Config for the Twilio-compatible REST client.
type Config struct {
	BaseURL        string
	AccountSID     string
	AuthToken      string
	StatusCallback string
	Timeout        time.Duration
	RequestsPerSec int
}

// HTTPClient is a Twilio-compatible Messages API client.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 50
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type messageResource struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	NumSegments  string  `json:"num_segments"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (c *HTTPClient) messagesURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request) (*messageResource, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, AsError(err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, AsError(ctx.Err())
		}
		return nil, AsError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, AsError(err)
	}

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var res messageResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{Code: "decode", Message: fmt.Sprintf("failed to parse response: %v", err), Retryable: true, HTTPStatus: resp.StatusCode}
	}
	return &res, nil
}

func decodeAPIError(status int, body []byte) *Error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	code := strconv.Itoa(status)
	if apiErr.Code != 0 {
		code = strconv.Itoa(apiErr.Code)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	retryable := status == http.StatusTooManyRequests || status >= 500
	if IsPermanentCode(code) {
		retryable = false
	}
	return &Error{Code: code, Message: msg, Retryable: retryable, HTTPStatus: status}
}

func (c *HTTPClient) Send(ctx context.Context, sr SendRequest) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", sr.To)
	form.Set("From", sr.From)
	form.Set("Body", sr.Body)
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL()+".json", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sr.IdempotencyKey != "" {
		req.Header.Set("I-Twilio-Idempotency-Token", sr.IdempotencyKey)
	}

	res, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	status, ok := NormalizeStatus(res.Status)
	if !ok {
		status = model.MessageQueued
	}
	segments, err := strconv.Atoi(res.NumSegments)
	if err != nil || segments < 1 {
		segments = Segments(sr.Body)
	}
	return &SendResult{CarrierMessageID: res.SID, Status: status, Segments: segments}, nil
}

func (c *HTTPClient) FetchStatus(ctx context.Context, carrierMessageID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.messagesURL()+"/"+url.PathEscape(carrierMessageID)+".json", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &StatusResult{RawStatus: res.Status}
	out.Status, _ = NormalizeStatus(res.Status)
	if res.ErrorCode != nil {
		out.ErrorCode = strconv.Itoa(*res.ErrorCode)
	}
	return out, nil
}
