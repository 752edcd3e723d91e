package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wpp-relay/internal/metrics"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

const (
	DefaultTimeout = 30 * time.Second
	sendDelayMs    = 1200
	maxErrorBody   = 4 << 10
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// HTTPClient is the Evolution API client. Requests are throttled by a token
// bucket shared by all instances behind the same base URL.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient creates a client. A zero RatePerSecond disables throttling.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		http:    httpClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		limiter: limiter,
		logger:  logger,
	}
}

type sendTextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay"`
	LinkPreview bool   `json:"linkPreview"`
}

type sendTextResponse struct {
	Key              MessageKey        `json:"key"`
	Status           string            `json:"status"`
	MessageTimestamp webhook.Timestamp `json:"messageTimestamp"`
}

func (c *HTTPClient) SendText(ctx context.Context, instance, address, text string) (SendResult, error) {
	var resp sendTextResponse
	err := c.post(ctx, "sendText", "/message/sendText/"+instance, sendTextRequest{
		Number:      address,
		Text:        text,
		Delay:       sendDelayMs,
		LinkPreview: false,
	}, &resp)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Key: resp.Key, Status: resp.Status, Timestamp: int64(resp.MessageTimestamp)}, nil
}

type numbersRequest struct {
	Numbers []string `json:"numbers"`
}

func (c *HTTPClient) CheckHasAccount(ctx context.Context, instance string, addresses []string) ([]NumberCheck, error) {
	var resp []NumberCheck
	if err := c.post(ctx, "whatsappNumbers", "/chat/whatsappNumbers/"+instance, numbersRequest{Numbers: addresses}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type markReadRequest struct {
	ReadMessages []MessageKey `json:"readMessages"`
}

func (c *HTTPClient) MarkRead(ctx context.Context, instance string, keys []MessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	return c.post(ctx, "markMessageAsRead", "/chat/markMessageAsRead/"+instance, markReadRequest{ReadMessages: keys}, nil)
}

type unreadLastMessage struct {
	MessageKey
	Key MessageKey `json:"key"`
}

type markUnreadRequest struct {
	Chat        string            `json:"chat"`
	LastMessage unreadLastMessage `json:"lastMessage"`
}

func (c *HTTPClient) MarkUnread(ctx context.Context, instance, chat string, last MessageKey) error {
	return c.post(ctx, "markChatUnread", "/chat/markChatUnread/"+instance, markUnreadRequest{
		Chat:        chat,
		LastMessage: unreadLastMessage{MessageKey: last, Key: last},
	}, nil)
}

type profileRequest struct {
	Number string `json:"number"`
}

type profileResponse struct {
	Name              string `json:"name"`
	Picture           string `json:"picture"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

func (c *HTTPClient) FetchProfile(ctx context.Context, instance, number string) (Profile, error) {
	var resp profileResponse
	if err := c.post(ctx, "fetchProfile", "/chat/fetchProfile/"+instance, profileRequest{Number: number}, &resp); err != nil {
		return Profile{}, err
	}
	p := Profile{Name: resp.Name, Picture: resp.Picture}
	if p.Picture == "" {
		p.Picture = resp.ProfilePictureURL
	}
	return p, nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordGateway(op, "error", time.Since(start).Seconds())
		return fmt.Errorf("gateway %s: %w: %w", op, ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.RecordGateway(op, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Operation: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		c.logger.Debug("gateway request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message))
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w: %w", op, ErrUpstream, err)
	}
	return nil
}

// errorMessage extracts the gateway's error text. Evolution reports errors as
// {"response":{"message":[...]}} or {"message":"..."}.
func errorMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return strings.TrimSpace(string(raw))
	}
	for _, path := range []string{"response.message", "message"} {
		if s := flattenMessage(gjson.GetBytes(raw, path)); s != "" {
			return s
		}
	}
	return gjson.GetBytes(raw, "error").String()
}

func flattenMessage(v gjson.Result) string {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return ""
	case v.IsArray():
		var parts []string
		v.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
			} else {
				parts = append(parts, item.Raw)
			}
			return true
		})
		return strings.Join(parts, "; ")
	case v.Type == gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}
