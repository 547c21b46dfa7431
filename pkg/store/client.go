// Package store is a client for the resource store REST API: plain CRUD on
// resources plus the $assemble, $populate, $extract and $debug operations.
//
// Failures come back as errors. When the store answered with an
// OperationOutcome it stays reachable with errors.As(err, &*fhir.OperationOutcome),
// and HTTP statuses are marked with the sentinels in pkg/errors.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Client talks to one resource store.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Token is sent as a bearer token, or verbatim when it already carries a
	// scheme ("Basic ...").
	Token string

	fhirMode atomic.Bool
	log      *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the Authorization credential.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTPClient.Timeout = d
		}
	}
}

// WithFHIRMode routes Questionnaire reads and writes through the /fhir/ endpoints.
func WithFHIRMode(on bool) Option {
	return func(c *Client) { c.fhirMode.Store(on) }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Named("store"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetFHIRMode switches Questionnaire endpoints between native and /fhir/ format.
func (c *Client) SetFHIRMode(on bool) { c.fhirMode.Store(on) }

// FHIRMode reports the current Questionnaire endpoint format.
func (c *Client) FHIRMode() bool { return c.fhirMode.Load() }

func (c *Client) questionnairePath(id string) string {
	if c.FHIRMode() {
		return "fhir/" + resourcePath(fhir.TypeQuestionnaire, id)
	}
	return resourcePath(fhir.TypeQuestionnaire, id)
}

// resourcePath joins <Type>/<id> with the id escaped as one path segment.
func resourcePath(resourceType, id string) string {
	return resourceType + "/" + url.PathEscape(id)
}

// ─── Resource CRUD ──────────────────────────────────────────────────

// GetResource reads <Type>/<id>.
func (c *Client) GetResource(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	var out fhir.Resource
	if err := c.do(ctx, http.MethodGet, resourcePath(resourceType, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutResource fully replaces <Type>/<id> with r and returns the stored copy.
func (c *Client) PutResource(ctx context.Context, r fhir.Resource) (fhir.Resource, error) {
	if r.Type() == "" || r.ID() == "" {
		return nil, errors.Mark(errors.New("resource needs resourceType and id"), errors.ErrInvalidRequest)
	}
	var out fhir.Resource
	if err := c.do(ctx, http.MethodPut, resourcePath(r.Type(), r.ID()), r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMapping reads Mapping/<id>.
func (c *Client) GetMapping(ctx context.Context, id string) (fhir.Resource, error) {
	return c.GetResource(ctx, fhir.TypeMapping, id)
}

// PutMapping writes a Mapping record.
func (c *Client) PutMapping(ctx context.Context, m fhir.Resource) (fhir.Resource, error) {
	return c.PutResource(ctx, m)
}

// CreateMapping creates an empty Mapping record with the given identity.
func (c *Client) CreateMapping(ctx context.Context, id string) (fhir.Resource, error) {
	m := fhir.NewResource(fhir.TypeMapping, id)
	m["body"] = map[string]any{}
	return c.PutResource(ctx, m)
}

// ─── Questionnaire ──────────────────────────────────────────────────

// AssembleQuestionnaire reads the assembled Questionnaire (sub-questionnaires
// inlined). Always native format.
func (c *Client) AssembleQuestionnaire(ctx context.Context, id string) (*fhir.Questionnaire, error) {
	var q fhir.Questionnaire
	if err := c.do(ctx, http.MethodGet, resourcePath(fhir.TypeQuestionnaire, id)+"/$assemble", nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQuestionnaire reads the Questionnaire as stored, in the current format.
func (c *Client) GetQuestionnaire(ctx context.Context, id string) (fhir.Resource, error) {
	var out fhir.Resource
	if err := c.do(ctx, http.MethodGet, c.questionnairePath(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutQuestionnaire replaces the Questionnaire.
func (c *Client) PutQuestionnaire(ctx context.Context, q *fhir.Questionnaire) error {
	if q == nil || q.ID == "" {
		return errors.Mark(errors.New("questionnaire needs an id"), errors.ErrInvalidRequest)
	}
	return c.do(ctx, http.MethodPut, c.questionnairePath(q.ID), q, nil)
}

// ─── Operations ─────────────────────────────────────────────────────

// Populate runs Questionnaire/$populate with the launch context and returns
// the pre-filled QuestionnaireResponse.
func (c *Client) Populate(ctx context.Context, launch fhir.Parameters) (fhir.Resource, error) {
	var out fhir.Resource
	if err := c.do(ctx, http.MethodPost, "Questionnaire/$populate", launch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DebugMapping dry-runs Mapping/<id> against a QuestionnaireResponse and
// returns the preview of resulting actions (usually a transaction Bundle).
func (c *Client) DebugMapping(ctx context.Context, id string, response fhir.Resource) (fhir.Resource, error) {
	var out fhir.Resource
	if err := c.do(ctx, http.MethodPost, resourcePath(fhir.TypeMapping, id)+"/$debug", response, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Extract runs Questionnaire/$extract, applying every mapping for real.
func (c *Client) Extract(ctx context.Context, params fhir.Parameters) (fhir.Resource, error) {
	var out fhir.Resource
	if err := c.do(ctx, http.MethodPost, "Questionnaire/$extract", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Transport ──────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	uri := c.BaseURL + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode body", op)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := c.authorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s", op), errors.ErrUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "%s: read body", op)
	}
	c.log.Debugw("store request", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(statusError(resp.StatusCode, data), "%s", op)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "%s: decode response: %s", op, truncate(data, 200))
	}
	return nil
}

func (c *Client) authorization() string {
	if c.Token == "" {
		return ""
	}
	if strings.Contains(c.Token, " ") {
		return c.Token
	}
	return "Bearer " + c.Token
}

// statusError turns a non-2xx answer into an error, keeping the
// OperationOutcome when the store sent one.
func statusError(status int, body []byte) error {
	var err error
	var oo fhir.OperationOutcome
	if jsonErr := json.Unmarshal(body, &oo); jsonErr == nil && oo.IsOutcome() {
		err = &oo
	} else {
		err = fmt.Errorf("HTTP %d: %s", status, truncate(body, 300))
	}

	switch {
	case status == http.StatusNotFound:
		return errors.Mark(err, errors.ErrNotFound)
	case status == http.StatusConflict:
		return errors.WithHint(errors.Mark(err, errors.ErrConflict), "Please reload page")
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.Mark(err, errors.ErrInvalidRequest)
	case status >= 500:
		return errors.Mark(err, errors.ErrUnavailable)
	default:
		return err
	}
}

func truncate(b []byte, max int) string {
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
