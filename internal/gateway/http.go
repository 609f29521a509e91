package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/jmehdipour/dispatch-batch/internal/config"
)

const maxErrorBody = 256

type textRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type mediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"` // base64 payload or URL
	FileName  string `json:"fileName,omitempty"`
}

// HTTPClient is the resty-backed gateway client. A process-wide limiter caps
// the request rate across all batches and a breaker sheds load while the
// gateway is down.
type HTTPClient struct {
	name         string
	client       *resty.Client
	textURL      string
	mediaURL     string
	textTimeout  time.Duration
	mediaTimeout time.Duration
	limiter      *rate.Limiter
	br           *Breaker
}

func NewHTTPClient(cfg config.GatewayConfig) (*HTTPClient, error) {
	client := resty.New()
	client.SetRetryCount(0)
	return NewHTTPClientWithClient(cfg, client)
}

func NewHTTPClientWithClient(cfg config.GatewayConfig, client *resty.Client) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	textTimeout, mediaTimeout := cfg.TextTimeout, cfg.MediaTimeout
	if textTimeout <= 0 {
		textTimeout = 15 * time.Second
	}
	if mediaTimeout <= 0 {
		mediaTimeout = 120 * time.Second
	}
	client.SetTimeout(max(textTimeout, mediaTimeout))
	client.SetRetryCount(0)
	if cfg.Token != "" {
		client.SetHeader("apikey", cfg.Token)
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	name := cfg.Name
	if name == "" {
		name = "gateway"
	}

	return &HTTPClient{
		name:         name,
		client:       client,
		textURL:      endpoint(base, cfg.TextPath, cfg.Instance),
		mediaURL:     endpoint(base, cfg.MediaPath, cfg.Instance),
		textTimeout:  textTimeout,
		mediaTimeout: mediaTimeout,
		limiter:      rate.NewLimiter(limit, 1),
		br:           NewBreaker(cfg.Breaker.FailThreshold, time.Duration(cfg.Breaker.OpenForMs)*time.Millisecond),
	}, nil
}

func endpoint(base, path, instance string) string {
	u := base + "/" + strings.TrimLeft(path, "/")
	if instance != "" {
		u += "/" + url.PathEscape(instance)
	}
	return u
}

func (c *HTTPClient) Name() string { return c.name }

// BreakerState exposes the breaker for health output.
func (c *HTTPClient) BreakerState() string { return c.br.State() }

func (c *HTTPClient) SendText(ctx context.Context, phone, text string) Result {
	return c.post(ctx, c.textURL, c.textTimeout, textRequest{Number: phone, Text: text})
}

func (c *HTTPClient) SendMedia(ctx context.Context, phone string, media Media, caption string) Result {
	req := mediaRequest{
		Number:    phone,
		MediaType: "image",
		MimeType:  media.MimeType,
		Caption:   caption,
		FileName:  media.FileName,
	}
	switch {
	case media.Inline():
		req.Media = base64.StdEncoding.EncodeToString(media.Data)
	case media.URL != "":
		req.Media = media.URL
	default:
		return failed("media has neither payload nor url")
	}
	return c.post(ctx, c.mediaURL, c.mediaTimeout, req)
}

func (c *HTTPClient) post(ctx context.Context, target string, timeout time.Duration, body any) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return failed(fmt.Sprintf("rate limiter: %v", err))
	}
	if !c.br.TryAcquire() {
		return failed(fmt.Sprintf("gateway %s: circuit open", c.name))
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(target)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.br.OnAbort()
		} else {
			c.br.OnFailure()
		}
		return failed(fmt.Sprintf("gateway %s: request failed: %v", c.name, err))
	}

	status := resp.StatusCode()
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		c.br.OnSuccess()
		return ok()
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		c.br.OnFailure()
	} else {
		// the gateway answered; the request itself was rejected
		c.br.OnSuccess()
	}
	return failed(statusMessage(c.name, status, resp.String()))
}

func statusMessage(name string, status int, body string) string {
	msg := fmt.Sprintf("gateway %s: status %d", name, status)
	body = strings.TrimSpace(body)
	if body == "" {
		return msg
	}
	if len(body) > maxErrorBody {
		body = truncate(body, maxErrorBody)
	}
	return msg + ": " + body
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
