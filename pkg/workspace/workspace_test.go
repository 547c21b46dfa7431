package workspace

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/evalctx"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/prefs"
	"github.com/ormasoftchile/mapdebug/pkg/reconcile"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

type memStore struct {
	mu         sync.Mutex
	q          *fhir.Questionnaire
	assembles  int
	fhirGets   int
	fhirMode   bool
	populated  []fhir.Parameters
	extracted  []fhir.Parameters
	extractErr error
	debugged   []string
	mappings   map[string]fhir.Resource
}

func newMemStore() *memStore {
	return &memStore{
		q: &fhir.Questionnaire{
			ResourceType:  fhir.TypeQuestionnaire,
			ID:            "q1",
			LaunchContext: []fhir.LaunchContext{{Name: fhir.LaunchContextName{Code: "Patient"}}},
			Mapping: []fhir.MappingSlot{
				{ResourceType: fhir.TypeMapping, ID: "zeta"},
				{ResourceType: fhir.TypeMapping, ID: "alpha"},
			},
		},
		mappings: map[string]fhir.Resource{
			"zeta":  fhir.NewResource(fhir.TypeMapping, "zeta"),
			"alpha": fhir.NewResource(fhir.TypeMapping, "alpha"),
		},
	}
}

func (s *memStore) AssembleQuestionnaire(_ context.Context, id string) (*fhir.Questionnaire, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assembles++
	if s.q == nil || s.q.ID != id {
		return nil, errors.Mark(errors.Newf("GET Questionnaire/%s/$assemble: 404", id), errors.ErrNotFound)
	}
	return s.q.Clone(), nil
}

func (s *memStore) GetQuestionnaire(_ context.Context, id string) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fhirGets++
	r := s.q.AsResource()
	r["fhir"] = s.fhirMode
	return r, nil
}

func (s *memStore) PutQuestionnaire(_ context.Context, q *fhir.Questionnaire) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q = q.Clone()
	return nil
}

func (s *memStore) CreateMapping(_ context.Context, id string) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := fhir.NewResource(fhir.TypeMapping, id)
	m["body"] = map[string]any{}
	s.mappings[id] = m
	return m, nil
}

func (s *memStore) GetMapping(_ context.Context, id string) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return nil, errors.Mark(errors.New("404"), errors.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *memStore) PutMapping(_ context.Context, m fhir.Resource) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.ID()] = m.Clone()
	return m, nil
}

func (s *memStore) Populate(_ context.Context, launch fhir.Parameters) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.populated = append(s.populated, launch)
	qr := fhir.NewResource(fhir.TypeQuestionnaireResponse, "qr-1")
	qr["status"] = "in-progress"
	if p, _, ok := launch.Lookup("Patient"); ok && p.Resource != nil {
		qr["subject"] = map[string]any{"reference": "Patient/" + p.Resource.ID()}
	}
	return qr, nil
}

func (s *memStore) DebugMapping(_ context.Context, id string, _ fhir.Resource) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugged = append(s.debugged, id)
	return fhir.NewResource(fhir.TypeBundle, "preview-"+id), nil
}

func (s *memStore) Extract(_ context.Context, params fhir.Parameters) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extracted = append(s.extracted, params)
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	return fhir.NewResource(fhir.TypeBundle, "extracted"), nil
}

func (s *memStore) SetFHIRMode(on bool) {
	s.mu.Lock()
	s.fhirMode = on
	s.mu.Unlock()
}

func newPrefs(t *testing.T, kv prefs.KV) *prefs.Preferences {
	t.Helper()
	p, err := prefs.Load(context.Background(), kv)
	require.NoError(t, err)
	return p
}

func TestLoadSortsMappingsAndSelectsFirst(t *testing.T) {
	store := newMemStore()
	p := newPrefs(t, prefs.NewMemoryKV())
	w := New("q1", store, Options{Prefs: p})
	defer w.Close()

	require.NoError(t, w.Load(context.Background()))
	w.Session.Wait()

	var ids []string
	for _, m := range w.Mappings() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, ids)

	snap := w.Session.Snapshot()
	assert.Equal(t, "alpha", snap.MappingID)
	assert.Equal(t, "alpha", p.LastActiveMappingID())
	assert.Equal(t, remote.Success, snap.Response.Status)
	preview, ok := snap.Preview.Get()
	require.True(t, ok)
	assert.Equal(t, "preview-alpha", preview.ID())
	assert.Equal(t, []string{"Questionnaire", "Patient"}, w.Launch().Names())
}

func TestLoadKeepsRememberedMapping(t *testing.T) {
	kv := prefs.NewMemoryKV()
	require.NoError(t, kv.Set(context.Background(), prefs.KeyActiveMapping, `"zeta"`))
	w := New("q1", newMemStore(), Options{Prefs: newPrefs(t, kv)})
	defer w.Close()

	require.NoError(t, w.Load(context.Background()))
	assert.Equal(t, "zeta", w.Session.Snapshot().MappingID)
}

func TestLoadForgetsVanishedMapping(t *testing.T) {
	kv := prefs.NewMemoryKV()
	require.NoError(t, kv.Set(context.Background(), prefs.KeyActiveMapping, `"gone"`))
	p := newPrefs(t, kv)
	w := New("q1", newMemStore(), Options{Prefs: p})
	defer w.Close()

	require.NoError(t, w.Load(context.Background()))
	assert.Equal(t, "alpha", w.Session.Snapshot().MappingID)
	assert.Equal(t, "alpha", p.LastActiveMappingID())
}

func TestLoadClearsVanishedMappingWithoutFallback(t *testing.T) {
	kv := prefs.NewMemoryKV()
	require.NoError(t, kv.Set(context.Background(), prefs.KeyActiveMapping, `"gone"`))
	p := newPrefs(t, kv)
	store := newMemStore()
	store.q.Mapping = nil
	w := New("q1", store, Options{Prefs: p})
	defer w.Close()

	require.NoError(t, w.Load(context.Background()))
	w.Session.Wait()
	assert.Empty(t, w.Session.Snapshot().MappingID)
	assert.Empty(t, p.LastActiveMappingID())
	raw, _, err := kv.Get(context.Background(), prefs.KeyActiveMapping)
	require.NoError(t, err)
	assert.Equal(t, "null", raw)
}

func TestLoadFailureIsState(t *testing.T) {
	w := New("missing", newMemStore(), Options{})
	defer w.Close()

	err := w.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, remote.Failure, w.Questionnaire().Status)
	assert.Equal(t, remote.Failure, w.Session.Snapshot().Response.Status)
}

func TestUpdateLaunchRepopulates(t *testing.T) {
	store := newMemStore()
	w := New("q1", store, Options{})
	defer w.Close()
	require.NoError(t, w.Load(context.Background()))

	require.NoError(t, w.UpdateLaunch(context.Background(), SetLaunchResource{Name: "Patient", Resource: fhir.NewResource("Patient", "pt-9")}))
	w.Session.Wait()

	qr, ok := w.Session.Snapshot().Response.Get()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"reference": "Patient/pt-9"}, qr["subject"])
	assert.Len(t, store.populated, 2)
}

func TestEvaluateExpressions(t *testing.T) {
	w := New("q1", newMemStore(), Options{})
	defer w.Close()

	_, ok := w.Evaluate(evalctx.Target{Kind: evalctx.KindQuestionnaireResponse, Expression: "status"})
	assert.False(t, ok, "nothing loaded yet")

	require.NoError(t, w.Load(context.Background()))
	require.NoError(t, w.UpdateLaunch(context.Background(), SetLaunchResource{Name: "Patient", Resource: fhir.Resource{
		"resourceType": "Patient", "id": "pt-1", "gender": "female",
	}}))

	out, ok := w.Evaluate(evalctx.Target{Kind: evalctx.KindQuestionnaireResponse, Expression: "status"})
	require.True(t, ok)
	assert.Equal(t, "in-progress\n", out)

	out, ok = w.Evaluate(evalctx.Target{Kind: evalctx.KindLaunchContext, Expression: "%Patient.gender"})
	require.True(t, ok)
	assert.Equal(t, "female\n", out)
	p, ok := w.MatchedLaunchParameter()
	require.True(t, ok)
	assert.Equal(t, "Patient", p.Name)

	out, ok = w.Evaluate(evalctx.Target{Kind: evalctx.KindLaunchContext, Expression: "%Patient.name[["})
	require.True(t, ok)
	assert.NotEmpty(t, out)
}

func TestApplyMappings(t *testing.T) {
	store := newMemStore()
	w := New("q1", store, Options{})
	defer w.Close()
	require.NoError(t, w.Load(context.Background()))

	require.NoError(t, w.ApplyMappings(context.Background()))
	require.Len(t, store.extracted, 1)
	assert.Equal(t, []string{"QuestionnaireResponse", "Questionnaire", "Patient"}, store.extracted[0].Names())
	assert.Equal(t, 2, store.assembles, "reloaded after extract")
}

func TestApplyMappingsFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.extractErr = errors.Wrap(&fhir.OperationOutcome{
		ResourceType: fhir.TypeOperationOutcome,
		Issue:        []fhir.Issue{{Code: "exception", Diagnostics: "store down"}},
	}, "POST Questionnaire/$extract")
	w := New("q1", store, Options{})
	defer w.Close()
	require.NoError(t, w.Load(context.Background()))

	err := w.ApplyMappings(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtractionFailed))
	assert.Equal(t, 1, store.assembles, "no reload after failure")
	assert.True(t, strings.Contains(describe(err), `"diagnostics": "store down"`))
}

func TestApplyMappingsNeedsData(t *testing.T) {
	w := New("q1", newMemStore(), Options{})
	defer w.Close()
	err := w.ApplyMappings(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExtractionFailed))
}

func TestFHIRModeRefetchesView(t *testing.T) {
	store := newMemStore()
	kv := prefs.NewMemoryKV()
	board := &notify.Board{}
	w := New("q1", store, Options{Prefs: newPrefs(t, kv), Board: board})
	defer w.Close()

	board.Dispatch(notify.AddQuestionnaireError{Err: errors.New("old")})
	require.NoError(t, w.SetFHIRMode(context.Background(), true))

	view, ok := w.FHIRView().Get()
	require.True(t, ok)
	assert.Equal(t, true, view["fhir"])
	assert.Empty(t, w.Errors().Questionnaire)

	reloaded := newPrefs(t, kv)
	assert.True(t, reloaded.FHIRMode())
}

func TestSaveReconcileAndCancelRefresh(t *testing.T) {
	store := newMemStore()
	w := New("q1", store, Options{})
	defer w.Close()
	require.NoError(t, w.Load(context.Background()))

	// A successful save reloads the read path.
	q, _ := w.Questionnaire().Get()
	batch, err := w.Reconcile.Save(context.Background(), q)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, 2, store.assembles)

	w.Refresh(reconcile.RefreshCancelled)
	assert.Equal(t, 1, store.fhirGets)
}
