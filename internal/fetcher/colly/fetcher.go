// Package collyfetcher implements crawler.CatalogClient using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

const (
	defaultUserAgent = "kibble-harvester/1.0 (+https://github.com/JakeFAU/kibble-harvester)"
	defaultTimeout   = 15 * time.Second
	// DefaultMaxBodySize caps one catalog response.
	DefaultMaxBodySize = 32 << 20
)

// ErrBodyTooLarge reports a response that exceeded Config.MaxBodySize.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize is the largest accepted response in bytes. Larger bodies
	// fail with ErrBodyTooLarge instead of being truncated.
	MaxBodySize int
	// Headers are added to every request.
	Headers http.Header
}

// Waiter paces requests per host. *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client issues catalog GET requests through a Colly collector.
type Client struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// exchange accumulates one request's outcome across Colly callbacks.
type exchange struct {
	url    string
	status int
	body   []byte
	err    error
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	// One byte over the limit lets truncation be told apart from an exact fit.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodySize+1),
	)
	c.WithTransport(newHTTPTransport())
	return &Client{cfg: cfg, limiter: limiter, baseCollector: c}
}

// Get fetches rawURL with params merged into its query string. Failures are
// returned as *crawler.FetchError.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: rawURL, Err: err}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return nil, &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: target, Err: err}
		}
	}

	ex := &exchange{url: target}
	collector := c.buildCollector(ex)
	if err := c.runCollector(ctx, collector, ex); err != nil {
		return nil, err
	}
	if len(ex.body) > c.cfg.MaxBodySize {
		return nil, &crawler.FetchError{
			Kind: crawler.FetchErrorNetwork,
			URL:  target,
			Err:  fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.cfg.MaxBodySize),
		}
	}
	return ex.body, nil
}

func (c *Client) buildCollector(ex *exchange) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.UserAgent = c.cfg.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	c.configureCollectorHooks(collector, ex)
	return collector
}

func (c *Client) configureCollectorHooks(hooks collectorHooks, ex *exchange) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		for key, values := range c.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		ex.status = r.StatusCode
		ex.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			ex.status = r.StatusCode
		}
		ex.err = err
	})
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, ex *exchange) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(ex.url)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: ex.url, Err: ctx.Err()}
	case err := <-done:
		return classify(ex, err)
	}
}

// classify maps a finished exchange onto the FetchError taxonomy.
func classify(ex *exchange, visitErr error) error {
	if ex.status >= http.StatusBadRequest {
		return &crawler.FetchError{
			Kind:       crawler.FetchErrorStatus,
			URL:        ex.url,
			StatusCode: ex.status,
			Err:        fmt.Errorf("%s", http.StatusText(ex.status)),
		}
	}
	cause := ex.err
	if cause == nil {
		cause = visitErr
	}
	if cause != nil {
		return &crawler.FetchError{Kind: crawler.FetchErrorNetwork, URL: ex.url, Err: cause}
	}
	return nil
}

func withParams(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for key, values := range params {
		q.Del(key)
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
