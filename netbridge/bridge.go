package netbridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrKind is netbridge's own closed error-kind pair, matching the spec's
// NetworkDenied/NetworkError taxonomy.
type ErrKind string

const (
	NetworkDenied ErrKind = "NetworkDenied"
	NetworkError  ErrKind = "NetworkError"
)

type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) ErrKind() string { return string(e.Kind) }

// FetchRequest is the guest-facing network_fetch contract.
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// FetchResponse mirrors it on the way back.
type FetchResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// Bridge evaluates a Policy and, if permitted, performs the fetch through
// an OpenTelemetry-instrumented http.Client. Calls are synchronous from
// the guest's point of view — spec.md's mailbox request/response states
// collapse to a direct function call under Go's single-process model,
// since there is no separate network worker thread to hand off to.
type Bridge struct {
	policy Policy
	client *http.Client
	log    zerolog.Logger
}

func New(policy Policy, log zerolog.Logger) *Bridge {
	return &Bridge{
		policy: policy,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:    log,
	}
}

func (b *Bridge) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := otel.Tracer("agentsh/netbridge").Start(ctx, "netbridge.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.url", req.URL)))
	defer span.End()

	u, perr := url.Parse(req.URL)
	if perr != nil {
		return nil, &Error{Kind: NetworkError, Msg: "invalid url", Err: perr}
	}

	if ok, reason := b.policy.Allow(u.Hostname(), method); !ok {
		b.log.Debug().Str("host", u.Hostname()).Str("method", method).Str("reason", reason).Msg("network_fetch denied")
		return nil, &Error{Kind: NetworkDenied, Msg: reason}
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = newByteReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, &Error{Kind: NetworkError, Msg: "build request", Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: NetworkError, Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: NetworkError, Msg: "read response", Err: err}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &FetchResponse{Status: resp.StatusCode, Body: body, Headers: headers}, nil
}

type byteReader struct {
	data []byte
	off  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
