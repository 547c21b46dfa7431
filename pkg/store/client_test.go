package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fake store ─────────────────────────────────────────────────────

type recorded struct {
	Method string
	Path   string
	Raw    string
	Auth   string
	Body   map[string]any
}

type callLog struct {
	mu    sync.Mutex
	calls []recorded
}

func (l *callLog) add(r recorded) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, r)
}

func (l *callLog) all() []recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recorded(nil), l.calls...)
}

func newFakeStore(t *testing.T) (*echo.Echo, *callLog) {
	t.Helper()
	log := &callLog{}
	e := echo.New()
	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rec := recorded{
				Method: c.Request().Method,
				Path:   c.Request().URL.Path,
				Raw:    c.Request().URL.EscapedPath(),
				Auth:   c.Request().Header.Get("Authorization"),
			}
			if c.Request().Body != nil {
				data, _ := io.ReadAll(c.Request().Body)
				if len(data) > 0 {
					_ = json.Unmarshal(data, &rec.Body)
				}
				c.Request().Body = io.NopCloser(bytes.NewReader(data))
			}
			log.add(rec)
			return next(c)
		}
	})
	return e, log
}

func startServer(t *testing.T, e *echo.Echo, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", opts...)
}

// ─── tests ──────────────────────────────────────────────────────────

func TestGetMapping(t *testing.T) {
	e, calls := newFakeStore(t)
	e.GET("/Mapping/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Mapping", "id": c.Param("id"), "body": map[string]any{}})
	})
	c := startServer(t, e, WithToken("secret"))

	m, err := c.GetMapping(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID())
	require.Len(t, calls.all(), 1)
	assert.Equal(t, "Bearer secret", calls.all()[0].Auth)
}

func TestBasicTokenSentVerbatim(t *testing.T) {
	e, calls := newFakeStore(t)
	e.GET("/Mapping/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Mapping", "id": "m1"})
	})
	c := startServer(t, e, WithToken("Basic abc="))

	_, err := c.GetMapping(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Basic abc=", calls.all()[0].Auth)
}

func TestCreateMappingSendsEmptyBody(t *testing.T) {
	e, calls := newFakeStore(t)
	e.PUT("/Mapping/:id", func(c echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]any{"resourceType": "Mapping", "id": c.Param("id")})
	})
	c := startServer(t, e)

	_, err := c.CreateMapping(context.Background(), "new-map")
	require.NoError(t, err)
	require.Len(t, calls.all(), 1)
	got := calls.all()[0]
	assert.Equal(t, "/Mapping/new-map", got.Path)
	assert.Equal(t, map[string]any{"resourceType": "Mapping", "id": "new-map", "body": map[string]any{}}, got.Body)
}

func TestPutQuestionnaireFHIRMode(t *testing.T) {
	e, calls := newFakeStore(t)
	e.PUT("/fhir/Questionnaire/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Questionnaire", "id": c.Param("id")})
	})
	e.PUT("/Questionnaire/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Questionnaire", "id": c.Param("id")})
	})
	c := startServer(t, e, WithFHIRMode(true))

	q := &fhir.Questionnaire{ID: "q1", Mapping: []fhir.MappingSlot{{ResourceType: "Mapping", ID: "m1"}}}
	require.NoError(t, c.PutQuestionnaire(context.Background(), q))
	c.SetFHIRMode(false)
	require.NoError(t, c.PutQuestionnaire(context.Background(), q))

	require.Len(t, calls.all(), 2)
	assert.Equal(t, "/fhir/Questionnaire/q1", calls.all()[0].Path)
	assert.Equal(t, "/Questionnaire/q1", calls.all()[1].Path)
}

func TestOperationOutcomeIsReachable(t *testing.T) {
	e, _ := newFakeStore(t)
	e.PUT("/Questionnaire/:id", func(c echo.Context) error {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"resourceType": "OperationOutcome",
			"issue": []any{map[string]any{
				"code":        "invalid",
				"diagnostics": "Mapping does not exist",
				"expression":  []any{"Questionnaire.mapping[0]"},
			}},
		})
	})
	c := startServer(t, e)

	err := c.PutQuestionnaire(context.Background(), &fhir.Questionnaire{ID: "q1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	var oo *fhir.OperationOutcome
	require.True(t, errors.As(err, &oo))
	require.Len(t, oo.Issue, 1)
	assert.Equal(t, "Questionnaire.mapping[0]", oo.Issue[0].Path())
}

func TestStatusSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, errors.ErrNotFound},
		{http.StatusConflict, errors.ErrConflict},
		{http.StatusBadGateway, errors.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			e, _ := newFakeStore(t)
			e.GET("/Mapping/:id", func(c echo.Context) error {
				return c.String(tc.status, "nope")
			})
			c := startServer(t, e)

			_, err := c.GetMapping(context.Background(), "m1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "error %v should be %v", err, tc.want)
			assert.Contains(t, err.Error(), "GET Mapping/m1")
		})
	}
}

func TestConflictCarriesReloadHint(t *testing.T) {
	e, _ := newFakeStore(t)
	e.PUT("/Mapping/:id", func(c echo.Context) error {
		return c.String(http.StatusConflict, "version mismatch")
	})
	c := startServer(t, e)

	_, err := c.PutMapping(context.Background(), fhir.NewResource("Mapping", "m1"))
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "Please reload page")
}

func TestOperationsHitExpectedEndpoints(t *testing.T) {
	e, calls := newFakeStore(t)
	ok := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Bundle"})
	}
	e.POST("/Questionnaire/$populate", ok)
	e.POST("/Questionnaire/$extract", ok)
	e.POST("/Mapping/:id/$debug", ok)
	e.GET("/Questionnaire/:id/$assemble", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Questionnaire", "id": c.Param("id")})
	})
	c := startServer(t, e, WithFHIRMode(true))
	ctx := context.Background()

	_, err := c.Populate(ctx, fhir.NewParameters())
	require.NoError(t, err)
	_, err = c.DebugMapping(ctx, "m1", fhir.NewResource("QuestionnaireResponse", ""))
	require.NoError(t, err)
	_, err = c.Extract(ctx, fhir.NewParameters())
	require.NoError(t, err)
	q, err := c.AssembleQuestionnaire(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "q1", q.ID)

	var paths []string
	for _, call := range calls.all() {
		paths = append(paths, call.Method+" "+call.Path)
	}
	assert.Equal(t, []string{
		"POST /Questionnaire/$populate",
		"POST /Mapping/m1/$debug",
		"POST /Questionnaire/$extract",
		"GET /Questionnaire/q1/$assemble",
	}, paths)
}

func TestIDsEscapedAsPathSegment(t *testing.T) {
	e, calls := newFakeStore(t)
	ok := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"resourceType": "Mapping", "id": "x"})
	}
	e.GET("/Mapping/:id", ok)
	e.PUT("/Mapping/:id", ok)
	e.POST("/Mapping/:id/$debug", ok)
	e.PUT("/Questionnaire/:id", ok)
	c := startServer(t, e)
	ctx := context.Background()
	const id = "a/b?c#d e"

	_, err := c.GetMapping(ctx, id)
	require.NoError(t, err)
	_, err = c.CreateMapping(ctx, id)
	require.NoError(t, err)
	_, err = c.DebugMapping(ctx, id, fhir.NewResource("QuestionnaireResponse", ""))
	require.NoError(t, err)
	require.NoError(t, c.PutQuestionnaire(ctx, &fhir.Questionnaire{ID: id}))

	var got []string
	for _, call := range calls.all() {
		got = append(got, call.Method+" "+call.Raw)
		assert.Contains(t, call.Path, id)
	}
	assert.Equal(t, []string{
		"GET /Mapping/a%2Fb%3Fc%23d%20e",
		"PUT /Mapping/a%2Fb%3Fc%23d%20e",
		"POST /Mapping/a%2Fb%3Fc%23d%20e/$debug",
		"PUT /Questionnaire/a%2Fb%3Fc%23d%20e",
	}, got)
}

func TestPutResourceRequiresIdentity(t *testing.T) {
	c := New("http://127.0.0.1:0")
	_, err := c.PutResource(context.Background(), fhir.Resource{"resourceType": "Mapping"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
