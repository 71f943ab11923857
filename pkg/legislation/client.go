package legislation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shotleybuilder/sertantai-ingest/internal/resilience"
)

// Client defines the registry operations, one per pipeline fetch stage.
// Keys are registry paths like "uksi/2013/1506".
type Client interface {
	// Metadata fetches the resource metadata document.
	Metadata(ctx context.Context, key string) (*MetadataFields, error)
	// Extent fetches the geographic extent of the document.
	Extent(ctx context.Context, key string) (*ExtentFields, error)
	// EnactedBy fetches the enabling acts a piece of secondary
	// legislation was made under. Empty for primary legislation.
	EnactedBy(ctx context.Context, key string) (*EnactedByFields, error)
	// Amending fetches the effects this document makes on other laws.
	Amending(ctx context.Context, key string) (*ChangeFields, error)
	// AmendedBy fetches the effects other laws make on this document,
	// including revocations.
	AmendedBy(ctx context.Context, key string) (*ChangeFields, error)
	// RepealRevoke fetches the registry's own status verdict for the
	// document.
	RepealRevoke(ctx context.Context, key string) (*RevocationFields, error)
}

// MetadataFields is the parsed resource metadata. Dates are ISO strings
// as the registry returns them.
type MetadataFields struct {
	Title               string   `json:"title,omitempty"`
	Description         string   `json:"description,omitempty"`
	Subjects            []string `json:"subjects,omitempty"`
	SICode              string   `json:"si_code,omitempty"`
	TotalParas          int      `json:"total_paras,omitempty"`
	BodyParas           int      `json:"body_paras,omitempty"`
	ScheduleParas       int      `json:"schedule_paras,omitempty"`
	AttachmentParas     int      `json:"attachment_paras,omitempty"`
	Images              int      `json:"images,omitempty"`
	MadeDate            string   `json:"made_date,omitempty"`
	EnactmentDate       string   `json:"enactment_date,omitempty"`
	ComingIntoForceDate string   `json:"coming_into_force_date,omitempty"`
	DctValidDate        string   `json:"dct_valid_date,omitempty"`
	Modified            string   `json:"modified,omitempty"`
	RestrictExtent      string   `json:"restrict_extent,omitempty"`
	RestrictStartDate   string   `json:"restrict_start_date,omitempty"`
}

// ExtentFields is the parsed geographic extent.
type ExtentFields struct {
	Extent  string   `json:"extent,omitempty"`
	Regions []string `json:"regions,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// EnactedByFields lists the enabling acts, as registry keys plus their
// resolved URIs.
type EnactedByFields struct {
	Parents []string `json:"parents,omitempty"`
	Links   []string `json:"links,omitempty"`
}

// Effect is one row of a change feed: the effect one document has on
// another. Affected/Affecting are registry keys; the URIs are the
// resolved registry links. Self effects (commencement provisions) appear
// here with both sides equal.
type Effect struct {
	Type         string `json:"type"`
	Affected     string `json:"affected"`
	AffectedURI  string `json:"affected_uri,omitempty"`
	Affecting    string `json:"affecting"`
	AffectingURI string `json:"affecting_uri,omitempty"`
	Date         string `json:"date,omitempty"`
}

// ChangeFields is a parsed change feed.
type ChangeFields struct {
	Effects []Effect `json:"effects,omitempty"`
}

// RevocationFields is the registry's status verdict for a document.
type RevocationFields struct {
	Status          string   `json:"status,omitempty"`
	Superseding     []string `json:"superseding,omitempty"`
	SupersedingURIs []string `json:"superseding_uris,omitempty"`
}

// Option configures the registry client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header sent to the registry.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithRateLimit tunes the polite-client rate limiter.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = NewAdaptiveLimiter(rate.Limit(perSec), burst)
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *AdaptiveLimiter
	retry     resilience.RetryConfig
}

// NewClient creates a registry client with polite defaults.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://www.legislation.gov.uk",
		userAgent: "sertantai-ingest/1.0",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: NewAdaptiveLimiter(2, 4),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get fetches one registry path with rate limiting, typed status mapping,
// and retry on transient failures.
func (c *httpClient) get(ctx context.Context, op, key, path string) ([]byte, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("legislation", op)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "legislation: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, eris.Wrap(err, "legislation: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/xml")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Op: op, Key: key, Err: resilience.NewTransientError(err, 0)}
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Kind: KindTransient, Op: op, Key: key, Err: resilience.NewTransientError(readErr, resp.StatusCode)}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.limiter.OnSuccess()
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, &Error{Kind: KindNotFound, Op: op, Key: key}
		case resp.StatusCode == http.StatusTooManyRequests:
			c.limiter.OnRateLimit()
			te := &resilience.TransientError{
				Err:        fmt.Errorf("status 429"),
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
			return nil, &Error{Kind: KindRateLimited, Op: op, Key: key, Err: te}
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			te := resilience.NewTransientError(fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode)
			return nil, &Error{Kind: KindTransient, Op: op, Key: key, Err: te}
		default:
			return nil, &Error{Kind: KindMalformed, Op: op, Key: key, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
	})
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *httpClient) Metadata(ctx context.Context, key string) (*MetadataFields, error) {
	body, err := c.get(ctx, "metadata", key, "/"+key+"/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseMetadata(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "metadata", Key: key, Err: err}
	}
	return fields, nil
}

func (c *httpClient) Extent(ctx context.Context, key string) (*ExtentFields, error) {
	body, err := c.get(ctx, "extent", key, "/"+key+"/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseExtent(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "extent", Key: key, Err: err}
	}
	return fields, nil
}

func (c *httpClient) EnactedBy(ctx context.Context, key string) (*EnactedByFields, error) {
	body, err := c.get(ctx, "enacted_by", key, "/"+key+"/resources/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseEnactedBy(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "enacted_by", Key: key, Err: err}
	}
	return fields, nil
}

func (c *httpClient) Amending(ctx context.Context, key string) (*ChangeFields, error) {
	body, err := c.get(ctx, "amending", key, "/changes/affecting/"+key+"/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseChanges(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "amending", Key: key, Err: err}
	}
	return fields, nil
}

func (c *httpClient) AmendedBy(ctx context.Context, key string) (*ChangeFields, error) {
	body, err := c.get(ctx, "amended_by", key, "/changes/affected/"+key+"/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseChanges(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "amended_by", Key: key, Err: err}
	}
	return fields, nil
}

func (c *httpClient) RepealRevoke(ctx context.Context, key string) (*RevocationFields, error) {
	body, err := c.get(ctx, "repeal_revoke", key, "/"+key+"/data.xml")
	if err != nil {
		return nil, err
	}
	fields, err := parseRevocation(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "repeal_revoke", Key: key, Err: err}
	}
	return fields, nil
}
