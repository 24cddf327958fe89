package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

// Options configures the transport shared by outbound collaborator clients.
type Options struct {
	// ProxyURL routes all requests through an egress proxy when set.
	ProxyURL string
	// Timeout caps a whole request when the caller's context has no deadline.
	Timeout time.Duration
}

// Client is a traced HTTP client for calls to external collaborators.
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
}

// New builds a client. A nil tracer falls back to the global provider.
func New(tracer trace.Tracer, opts Options) (*Client, error) {
	if tracer == nil {
		tracer = otel.Tracer("saukidata/httpclient")
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		Tracer:     tracer,
		HTTPClient: &http.Client{Transport: transport, Timeout: opts.Timeout},
	}, nil
}

// Response is a fully read response body.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do sends a request with an optional JSON body and reads at most 1 MiB of the
// response. Non-2xx statuses are not errors; callers inspect Response.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body any) (Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Response{}, fmt.Errorf("httpclient: parse url: %w", err)
	}

	ctx, span := c.Tracer.Start(ctx, fmt.Sprintf("%s %s", method, u.Host), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			span.RecordError(err)
			return Response{}, fmt.Errorf("httpclient: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.host", u.Host),
		attribute.String("http.path", u.Path),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("httpclient: %s %s: %w", method, u.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("httpclient: read body: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	out := Response{StatusCode: resp.StatusCode, Body: data}
	if !out.OK() {
		span.SetStatus(codes.Error, resp.Status)
	}
	return out, nil
}
