package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
)

const (
	mimeFHIRJSON      = "application/fhir+json"
	mimeJSONPatchJSON = "application/json-patch+json"

	// maxErrorBody bounds how much of a failed response is read for diagnostics.
	maxErrorBody = 64 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Timeout bounds each store request, token fetch included. Zero means no timeout.
	Timeout time.Duration

	// HTTPClient is the base client for token and API calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Client is a FHIR REST client authenticated with the client-credentials grant.
// It is safe for concurrent use; the access token is cached and refreshed
// on expiry.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  oauth2.TokenSource
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

var _ Store = (*Client)(nil)

// NewClient creates a Client. No network call is made until the first request.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrInvalidOptions)
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: FHIR base URL %q", ErrInvalidOptions, opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseHTTP := opts.HTTPClient
	if baseHTTP == nil {
		baseHTTP = http.DefaultClient
	}
	tokenHTTP := *baseHTTP
	if opts.Timeout > 0 {
		tokenHTTP.Timeout = opts.Timeout
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &tokenHTTP)

	cc := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
	}

	// Reuse wraps the counting source so only real fetches are recorded.
	tokens := oauth2.ReuseTokenSource(nil, &countingTokenSource{
		src:     cc.TokenSource(ctx),
		metrics: opts.Metrics,
		logger:  logger,
	})

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: tokens, Base: baseHTTP.Transport},
		Timeout:   opts.Timeout,
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		tokens:  tokens,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// CheckAuth fetches (or reuses) an access token, surfacing credential problems.
// It returns when ctx is done even if the fetch is still running; the fetch
// itself is bounded by Options.Timeout.
func (c *Client) CheckAuth(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.tokens.Token()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return mapTransportError("token", "", err)
		}
		return nil
	case <-ctx.Done():
		return mapTransportError("token", "", ctx.Err())
	}
}

// Search implements Store.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	u := c.resourceURL(resourceType, "")
	u.RawQuery = params.Encode()

	var bundle Bundle
	if err := c.do(ctx, http.MethodGet, instrumentation.OperationSearch, resourceType, u, nil, "", &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Read implements Store.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, instrumentation.OperationRead, resourceType, c.resourceURL(resourceType, id), nil, "", &raw)
	return raw, err
}

// Create implements Store.
func (c *Client) Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error) {
	body, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", resourceType, err)
	}

	var raw json.RawMessage
	err = c.do(ctx, http.MethodPost, instrumentation.OperationCreate, resourceType, c.resourceURL(resourceType, ""), body, mimeFHIRJSON, &raw)
	return raw, err
}

// Patch implements Store.
func (c *Client) Patch(ctx context.Context, resourceType, id string, ops []PatchOperation) (json.RawMessage, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch for %s/%s: %w", resourceType, id, err)
	}

	var raw json.RawMessage
	err = c.do(ctx, http.MethodPatch, instrumentation.OperationPatch, resourceType, c.resourceURL(resourceType, id), body, mimeJSONPatchJSON, &raw)
	return raw, err
}

func (c *Client) resourceURL(resourceType, id string) *url.URL {
	u := *c.baseURL
	u.Path += url.PathEscape(resourceType)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	return &u
}

func (c *Client) do(ctx context.Context, method, operation, resourceType string, u *url.URL, body []byte, contentType string, out any) (err error) {
	ctx, span := instrumentation.StartStoreSpan(ctx, resourceType, operation)
	defer span.End()

	start := time.Now()
	defer func() {
		status := instrumentation.StatusSuccess
		if err != nil {
			status = instrumentation.StatusError
			instrumentation.SetSpanError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		c.metrics.RecordStoreOperation(ctx, resourceType, operation, status, time.Since(start))
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", mimeFHIRJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mapTransportError(method, resourceType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int(instrumentation.SpanAttrHTTPStatus, resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var outcome OperationOutcome
		if jsonErr := json.Unmarshal(data, &outcome); jsonErr != nil {
			outcome = OperationOutcome{}
		}
		err := statusError(method, resourceType, resp.StatusCode, &outcome)
		c.logger.Debug("FHIR request failed",
			logging.Operation(operation),
			slog.String(logging.KeyResourceType, resourceType),
			slog.Int(logging.KeyStatus, resp.StatusCode),
			logging.Err(err))
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{
			Method:       method,
			ResourceType: resourceType,
			StatusCode:   resp.StatusCode,
			Diagnostics:  "invalid response body",
			Err:          err,
		}
	}
	return nil
}

// mapTransportError classifies failures that happened before a response
// arrived, token endpoint rejections included.
func mapTransportError(method, resourceType string, err error) error {
	re := &RemoteError{Method: method, ResourceType: resourceType, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		re.Err = ErrUnauthorized
		re.Diagnostics = "token request rejected"
		if retrieveErr.Response != nil {
			re.StatusCode = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode != "" {
			re.Diagnostics += ": " + retrieveErr.ErrorCode
		}
	}
	return re
}

// countingTokenSource records each token fetch against the token endpoint.
type countingTokenSource struct {
	src     oauth2.TokenSource
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

func (s *countingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	ctx := context.Background()
	if err != nil {
		s.metrics.RecordTokenFetch(ctx, instrumentation.TokenResultFailure)
		s.logger.Warn("client-credentials token fetch failed", logging.Err(err))
		return nil, err
	}
	s.metrics.RecordTokenFetch(ctx, instrumentation.TokenResultSuccess)
	s.logger.Debug("client-credentials token fetched",
		slog.String("access_token", logging.SanitizeToken(tok.AccessToken)),
		slog.Time("expiry", tok.Expiry))
	return tok, nil
}
