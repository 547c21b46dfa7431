package debugsession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore answers debug runs only when the test releases them, so the
// order in which results arrive is under test control.
type fakeStore struct {
	mu        sync.Mutex
	mappings  map[string]fhir.Resource
	putErr    error
	gets      int
	puts      int
	debugs    []string
	release   map[string]chan struct{}
	populated fhir.Resource
	populate  chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mappings: map[string]fhir.Resource{
			"m1": {"resourceType": "Mapping", "id": "m1", "body": map[string]any{"v": "1"}},
			"m2": {"resourceType": "Mapping", "id": "m2", "body": map[string]any{"v": "2"}},
		},
		release:   map[string]chan struct{}{},
		populated: fhir.Resource{"resourceType": "QuestionnaireResponse", "id": "qr-1", "status": "in-progress"},
	}
}

// hold makes debug runs for id block until the returned func is called.
func (s *fakeStore) hold(id string) func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.release[id] = ch
	s.mu.Unlock()
	return func() { close(ch) }
}

func (s *fakeStore) GetMapping(_ context.Context, id string) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	m, ok := s.mappings[id]
	if !ok {
		return nil, errors.Mark(errors.Newf("GET Mapping/%s: 404", id), errors.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *fakeStore) PutMapping(_ context.Context, m fhir.Resource) (fhir.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return nil, s.putErr
	}
	saved := m.Clone()
	saved["meta"] = map[string]any{"versionId": "2"}
	s.mappings[m.ID()] = saved
	return saved, nil
}

func (s *fakeStore) Populate(_ context.Context, _ fhir.Parameters) (fhir.Resource, error) {
	s.mu.Lock()
	ch := s.populate
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
	return s.populated.Clone(), nil
}

func (s *fakeStore) DebugMapping(_ context.Context, id string, response fhir.Resource) (fhir.Resource, error) {
	s.mu.Lock()
	s.debugs = append(s.debugs, id)
	ch := s.release[id]
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
	return fhir.Resource{"resourceType": "Bundle", "id": "preview-" + id, "response": response.ID()}, nil
}

func (s *fakeStore) debugCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.debugs)
}

type selection struct{ ids []string }

func (s *selection) SetActiveMapping(_ context.Context, id string) error {
	s.ids = append(s.ids, id)
	return nil
}

func loaded(t *testing.T, store *fakeStore, opts Options) *Coordinator {
	t.Helper()
	c := New(store, opts)
	require.NoError(t, c.LoadResponse(context.Background(), fhir.Parameters{}))
	return c
}

func previewID(s Snapshot) string {
	p, _ := s.Preview.Get()
	return p.ID()
}

func TestSelectMappingLoadsAndPreviews(t *testing.T) {
	store := newFakeStore()
	sel := &selection{}
	c := loaded(t, store, Options{Selection: sel})

	c.SelectMapping(context.Background(), "m1")
	c.Wait()

	snap := c.Snapshot()
	assert.Equal(t, "m1", snap.MappingID)
	require.Equal(t, remote.Success, snap.Mapping.Status)
	assert.Equal(t, "preview-m1", previewID(snap))
	assert.Equal(t, []string{"m1"}, sel.ids)
}

func TestSelectMappingLoadFailureIsState(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})

	c.SelectMapping(context.Background(), "missing")
	c.Wait()

	snap := c.Snapshot()
	assert.Equal(t, remote.Failure, snap.Mapping.Status)
	assert.True(t, errors.IsNotFound(snap.Mapping.Err))
}

func TestNoPreviewWithoutResponse(t *testing.T) {
	store := newFakeStore()
	c := New(store, Options{})
	c.SelectMapping(context.Background(), "m1")
	c.Wait()

	assert.Zero(t, store.debugCount())
	assert.Equal(t, remote.NotAsked, c.Snapshot().Preview.Status)
}

func TestStalePreviewDiscardedWhenLate(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	releaseM1 := store.hold("m1")
	releaseM2 := store.hold("m2")

	c.SelectMapping(context.Background(), "m1")
	c.SelectMapping(context.Background(), "m2")

	releaseM2()
	require.Eventually(t, func() bool { return previewID(c.Snapshot()) == "preview-m2" }, time.Second, time.Millisecond)

	releaseM1()
	c.Wait()
	assert.Equal(t, "preview-m2", previewID(c.Snapshot()))
}

func TestClearSelectionDiscardsInFlightPreview(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	releaseM1 := store.hold("m1")

	c.SelectMapping(context.Background(), "m1")
	c.SelectMapping(context.Background(), "")

	releaseM1()
	c.Wait()
	snap := c.Snapshot()
	assert.Empty(t, snap.MappingID)
	assert.Equal(t, remote.NotAsked, snap.Preview.Status)
}

func TestFailedResponseDiscardsInFlightPreview(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	releaseM1 := store.hold("m1")

	c.SelectMapping(context.Background(), "m1")
	c.FailResponse(errors.New("questionnaire missing"))

	releaseM1()
	c.Wait()
	snap := c.Snapshot()
	assert.True(t, snap.Response.IsFailure())
	assert.Equal(t, remote.NotAsked, snap.Preview.Status)
}

func TestRepopulateDiscardsInFlightPreview(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	releaseM1 := store.hold("m1")
	c.SelectMapping(context.Background(), "m1")

	gate := make(chan struct{})
	store.mu.Lock()
	store.populate = gate
	store.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- c.LoadResponse(context.Background(), fhir.Parameters{}) }()
	require.Eventually(t, func() bool { return c.Snapshot().Response.Status == remote.Loading }, time.Second, time.Millisecond)

	releaseM1()
	require.Eventually(t, func() bool { return store.debugCount() == 1 }, time.Second, time.Millisecond)
	c.Wait()
	assert.Equal(t, remote.NotAsked, c.Snapshot().Preview.Status)

	close(gate)
	require.NoError(t, <-done)
	c.Wait()
	assert.Equal(t, "preview-m1", previewID(c.Snapshot()))
	assert.Equal(t, 2, store.debugCount())
}

func TestStalePreviewDiscardedWhenEarly(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	releaseM1 := store.hold("m1")
	releaseM2 := store.hold("m2")

	c.SelectMapping(context.Background(), "m1")
	c.SelectMapping(context.Background(), "m2")

	releaseM1()
	require.Eventually(t, func() bool { return store.debugCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, remote.Loading, c.Snapshot().Preview.Status)

	releaseM2()
	c.Wait()
	assert.Equal(t, "preview-m2", previewID(c.Snapshot()))
}

func TestSaveMappingUnchangedIsNoop(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	c.SelectMapping(context.Background(), "m1")
	c.Wait()
	gets, debugs := store.gets, store.debugCount()

	current, ok := c.Snapshot().Mapping.Get()
	require.True(t, ok)
	require.NoError(t, c.SaveMapping(context.Background(), current.Clone()))
	c.Wait()

	assert.Zero(t, store.puts)
	assert.Equal(t, gets, store.gets, "no reload")
	assert.Equal(t, debugs, store.debugCount(), "no new preview")
}

func TestSaveMappingWritesReloadsAndPreviews(t *testing.T) {
	store := newFakeStore()
	c := loaded(t, store, Options{})
	c.SelectMapping(context.Background(), "m1")
	c.Wait()

	edited, _ := c.Snapshot().Mapping.Get()
	edited = edited.Clone()
	edited["body"] = map[string]any{"v": "edited"}
	require.NoError(t, c.SaveMapping(context.Background(), edited))
	c.Wait()

	assert.Equal(t, 1, store.puts)
	reloaded, ok := c.Snapshot().Mapping.Get()
	require.True(t, ok)
	assert.Equal(t, "2", reloaded.VersionID())
	assert.Equal(t, 2, store.debugCount())
}

func TestSaveMappingFailureReported(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.Mark(errors.New("PUT Mapping/m1: 422"), errors.ErrInvalidRequest)
	notes := &notify.Recorder{}
	board := &notify.Board{}
	c := loaded(t, store, Options{Notifier: notes, Board: board})
	c.SelectMapping(context.Background(), "m1")
	c.Wait()

	edited, _ := c.Snapshot().Mapping.Get()
	edited = edited.Clone()
	edited["body"] = "broken"
	require.Error(t, c.SaveMapping(context.Background(), edited))
	c.Wait()

	require.Len(t, notes.All(), 1)
	idx, ok := notes.All()[0].Index()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Len(t, board.State().Mapping, 1)

	c.ReloadMapping(context.Background())
	c.Wait()
	assert.Empty(t, board.State().Mapping)
}

func TestSaveMappingBeforeLoad(t *testing.T) {
	c := New(newFakeStore(), Options{})
	assert.ErrorIs(t, c.SaveMapping(context.Background(), fhir.NewResource("Mapping", "m1")), ErrMappingNotLoaded)
}

func TestSetResponseComparesBeforeWrite(t *testing.T) {
	store := newFakeStore()
	var changes atomic.Int32
	c := loaded(t, store, Options{OnChange: func(Snapshot) { changes.Add(1) }})
	c.SelectMapping(context.Background(), "m1")
	c.Wait()
	version, debugs := c.Snapshot().ResponseVersion, store.debugCount()
	changesBefore := changes.Load()

	same, _ := c.Snapshot().Response.Get()
	assert.False(t, c.SetResponse(context.Background(), same.Clone()))
	c.Wait()
	assert.Equal(t, version, c.Snapshot().ResponseVersion)
	assert.Equal(t, debugs, store.debugCount())
	assert.Equal(t, changesBefore, changes.Load())

	edited := same.Clone()
	edited["status"] = "completed"
	assert.True(t, c.SetResponse(context.Background(), edited))
	c.Wait()
	assert.Equal(t, version+1, c.Snapshot().ResponseVersion)
	assert.Equal(t, debugs+1, store.debugCount())
}

func TestSetResponseWithoutDocument(t *testing.T) {
	c := New(newFakeStore(), Options{})
	assert.False(t, c.SetResponse(context.Background(), fhir.NewResource("QuestionnaireResponse", "x")))

	c.FailResponse(errors.New("questionnaire failed to load"))
	assert.Equal(t, remote.Failure, c.Snapshot().Response.Status)
}
