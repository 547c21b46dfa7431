// Package sandbox is an in-memory resource store speaking the same HTTP
// API as the real one: Questionnaire and Mapping CRUD plus the $assemble,
// $populate, $debug and $extract operations. It backs `mapdebug sandbox`
// for trying things locally and the end-to-end tests.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
)

// MappingExtensionURL tags mapping references in the FHIR-format view.
const MappingExtensionURL = "https://mapdebug.dev/fhir/StructureDefinition/questionnaire-mapping"

// Server holds the store contents.
type Server struct {
	ev  evaluator.Evaluator
	log *zap.SugaredLogger

	mu             sync.Mutex
	questionnaires map[string]*fhir.Questionnaire
	mappings       map[string]fhir.Resource
	versions       map[string]int
	extractions    []fhir.Resource
}

// Option configures a Server.
type Option func(*Server)

// WithEvaluator replaces the expression backend used by $debug and $extract.
func WithEvaluator(ev evaluator.Evaluator) Option {
	return func(s *Server) { s.ev = ev }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l }
}

// New returns an empty store.
func New(opts ...Option) *Server {
	s := &Server{
		ev:             evaluator.Expr{},
		log:            logging.Named("sandbox"),
		questionnaires: map[string]*fhir.Questionnaire{},
		mappings:       map[string]fhir.Resource{},
		versions:       map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Direct access ──────────────────────────────────────────────────────────

// AddQuestionnaire stores q without validation.
func (s *Server) AddQuestionnaire(q *fhir.Questionnaire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeQuestionnaireLocked(q.Clone())
}

// AddMapping stores m without validation.
func (s *Server) AddMapping(m fhir.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMappingLocked(m.Clone())
}

// Questionnaire returns a copy of the stored Questionnaire.
func (s *Server) Questionnaire(id string) (*fhir.Questionnaire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questionnaires[id]
	return q.Clone(), ok
}

// Mapping returns a copy of the stored Mapping.
func (s *Server) Mapping(id string) (fhir.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	return m.Clone(), ok
}

// Extractions returns the bundles produced by $extract so far.
func (s *Server) Extractions() []fhir.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fhir.Resource(nil), s.extractions...)
}

// Seed loads every .json, .yaml and .yml file under dir. Questionnaires and
// Mappings are stored; other resource types are skipped.
func (s *Server) Seed(dir string) (int, error) {
	var loaded int
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
		default:
			return nil
		}
		r, err := fhir.LoadResource(path)
		if err != nil {
			return err
		}
		switch r.Type() {
		case fhir.TypeQuestionnaire:
			q, err := fhir.LoadQuestionnaire(path)
			if err != nil {
				return err
			}
			s.AddQuestionnaire(q)
		case fhir.TypeMapping:
			s.AddMapping(r)
		default:
			s.log.Debugw("seed skipped", "file", path, "resourceType", r.Type())
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("seed %s: %w", dir, err)
	}
	return loaded, nil
}

func (s *Server) storeQuestionnaireLocked(q *fhir.Questionnaire) {
	key := fhir.TypeQuestionnaire + "/" + q.ID
	s.versions[key]++
	if q.Meta == nil {
		q.Meta = &fhir.Meta{}
	}
	q.Meta.VersionID = strconv.Itoa(s.versions[key])
	q.Meta.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	s.questionnaires[q.ID] = q
}

func (s *Server) storeMappingLocked(m fhir.Resource) fhir.Resource {
	key := fhir.TypeMapping + "/" + m.ID()
	s.versions[key]++
	m["meta"] = map[string]any{
		"versionId":   strconv.Itoa(s.versions[key]),
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
	s.mappings[m.ID()] = m
	return m.Clone()
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

// Handler returns the store API rooted at "/".
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.RegisterRoutes(e.Group(""))
	return e
}

// RegisterRoutes mounts the store API on g.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.Use(s.requestLog)

	g.GET("/Questionnaire/:id/$assemble", s.assemble)
	g.GET("/Questionnaire/:id", s.getQuestionnaire)
	g.PUT("/Questionnaire/:id", s.putQuestionnaire)
	g.GET("/fhir/Questionnaire/:id", s.getQuestionnaireFHIR)
	g.PUT("/fhir/Questionnaire/:id", s.putQuestionnaire)
	g.POST("/Questionnaire/$populate", s.populate)
	g.POST("/Questionnaire/$extract", s.extract)

	g.GET("/Mapping/:id", s.getMapping)
	g.PUT("/Mapping/:id", s.putMapping)
	g.POST("/Mapping/:id/$debug", s.debug)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Debugw("request", "method", c.Request().Method, "path", c.Request().URL.Path,
			"status", c.Response().Status, "elapsed", time.Since(start))
		return err
	}
}

func outcome(c echo.Context, status int, issues ...fhir.Issue) error {
	return c.JSON(status, &fhir.OperationOutcome{ResourceType: fhir.TypeOperationOutcome, Issue: issues})
}

func issue(code, diagnostics string, expression ...string) fhir.Issue {
	return fhir.Issue{Severity: "error", Code: code, Diagnostics: diagnostics, Expression: expression}
}

// idParam returns the :id path segment decoded.
func idParam(c echo.Context) string {
	id := c.Param("id")
	if decoded, err := url.PathUnescape(id); err == nil {
		return decoded
	}
	return id
}

func bind(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		return outcome(c, http.StatusBadRequest, issue(fhir.IssueInvalid, "invalid JSON: "+err.Error()))
	}
	return nil
}

// ─── Questionnaire ──────────────────────────────────────────────────────────

func (s *Server) assemble(c echo.Context) error {
	q, ok := s.Questionnaire(idParam(c))
	if !ok {
		return outcome(c, http.StatusNotFound, issue(fhir.IssueNotFound, "Questionnaire/"+idParam(c)+" not found"))
	}
	return c.JSON(http.StatusOK, q)
}

func (s *Server) getQuestionnaire(c echo.Context) error {
	return s.assemble(c)
}

// getQuestionnaireFHIR returns the FHIR representation, where mapping
// references travel as extensions.
func (s *Server) getQuestionnaireFHIR(c echo.Context) error {
	q, ok := s.Questionnaire(idParam(c))
	if !ok {
		return outcome(c, http.StatusNotFound, issue(fhir.IssueNotFound, "Questionnaire/"+idParam(c)+" not found"))
	}
	r := q.AsResource()
	var ext []any
	if existing, ok := r["extension"].([]any); ok {
		ext = existing
	}
	for _, slot := range q.Mapping {
		ext = append(ext, map[string]any{
			"url":            MappingExtensionURL,
			"valueReference": map[string]any{"reference": slot.ResourceType + "/" + slot.ID},
		})
	}
	delete(r, "mapping")
	if len(ext) > 0 {
		r["extension"] = ext
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) putQuestionnaire(c echo.Context) error {
	var q fhir.Questionnaire
	if err := bind(c, &q); err != nil {
		return err
	}
	if q.ID != idParam(c) {
		return outcome(c, http.StatusBadRequest, issue(fhir.IssueInvalid,
			fmt.Sprintf("resource id %q does not match %q", q.ID, idParam(c)), "Questionnaire.id"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if issues := s.validateLocked(&q); len(issues) > 0 {
		return outcome(c, http.StatusUnprocessableEntity, issues...)
	}
	s.storeQuestionnaireLocked(q.Clone())
	return c.JSON(http.StatusOK, s.questionnaires[q.ID])
}

// validateLocked checks every reference a Questionnaire makes. Each problem
// is one issue whose expression points at the offending element.
func (s *Server) validateLocked(q *fhir.Questionnaire) []fhir.Issue {
	var issues []fhir.Issue
	for i, lc := range q.LaunchContext {
		if lc.Name.Code == "" {
			issues = append(issues, issue("required", "launch context name is required",
				fmt.Sprintf("Questionnaire.launchContext[%d].name", i)))
		}
	}
	for i, slot := range q.Mapping {
		path := fmt.Sprintf("%s.mapping[%d]", fhir.TypeQuestionnaire, i)
		switch {
		case !slot.IsMapping():
			issues = append(issues, issue(fhir.IssueInvalid,
				fmt.Sprintf("mapping reference has resourceType %q", slot.ResourceType), path))
		case slot.ID == "":
			issues = append(issues, issue(fhir.IssueInvalid, "mapping reference has no id", path))
		default:
			if _, ok := s.mappings[slot.ID]; !ok {
				issues = append(issues, issue(fhir.IssueInvalid,
					fmt.Sprintf("Mapping/%s does not exist", slot.ID), path))
			}
		}
	}
	return issues
}

// populate builds an in-progress response for the Questionnaire in the
// launch context, with the subject taken from the Patient entry.
func (s *Server) populate(c echo.Context) error {
	var params fhir.Parameters
	if err := bind(c, &params); err != nil {
		return err
	}
	qp, _, ok := params.Lookup(fhir.TypeQuestionnaire)
	if !ok || qp.Resource == nil {
		return outcome(c, http.StatusUnprocessableEntity,
			issue("required", "launch context has no Questionnaire", "Parameters.parameter"))
	}
	qr := fhir.Resource{
		"resourceType":  fhir.TypeQuestionnaireResponse,
		"status":        "in-progress",
		"questionnaire": fhir.TypeQuestionnaire + "/" + qp.Resource.ID(),
		"item":          []any{},
	}
	if p, _, ok := params.Lookup("Patient"); ok && p.Resource != nil {
		qr["subject"] = map[string]any{"reference": p.Resource.Type() + "/" + p.Resource.ID()}
	}
	return c.JSON(http.StatusOK, qr)
}

// extract runs every mapping of the response's Questionnaire and returns
// the results as one transaction-response Bundle.
func (s *Server) extract(c echo.Context) error {
	var params fhir.Parameters
	if err := bind(c, &params); err != nil {
		return err
	}
	qrp, _, ok := params.Lookup(fhir.TypeQuestionnaireResponse)
	if !ok || qrp.Resource == nil {
		return outcome(c, http.StatusUnprocessableEntity,
			issue("required", "parameters have no QuestionnaireResponse", "Parameters.parameter"))
	}
	qr := qrp.Resource
	vars := launchVars(params)

	qid := questionnaireID(params, qr)
	s.mu.Lock()
	q, ok := s.questionnaires[qid]
	if !ok {
		s.mu.Unlock()
		return outcome(c, http.StatusNotFound, issue(fhir.IssueNotFound, "Questionnaire/"+qid+" not found"))
	}
	mappings := make([]fhir.Resource, 0, len(q.Mapping))
	var missing []fhir.Issue
	for i, slot := range q.Mapping {
		m, ok := s.mappings[slot.ID]
		if !ok {
			missing = append(missing, issue(fhir.IssueNotFound, "Mapping/"+slot.ID+" not found",
				fmt.Sprintf("%s.mapping[%d]", fhir.TypeQuestionnaire, i)))
			continue
		}
		mappings = append(mappings, m.Clone())
	}
	s.mu.Unlock()
	if len(missing) > 0 {
		return outcome(c, http.StatusUnprocessableEntity, missing...)
	}

	entries := make([]any, 0, len(mappings))
	for _, m := range mappings {
		out, err := Render(s.ev, m["body"], qr, vars)
		if err != nil {
			return outcome(c, http.StatusUnprocessableEntity, templateIssue(m.ID(), err))
		}
		entries = append(entries, map[string]any{"resource": out})
	}
	bundle := fhir.Resource{"resourceType": fhir.TypeBundle, "type": "transaction-response", "entry": entries}

	s.mu.Lock()
	s.extractions = append(s.extractions, bundle.Clone())
	s.mu.Unlock()
	return c.JSON(http.StatusOK, bundle)
}

func launchVars(params fhir.Parameters) map[string]any {
	vars := make(map[string]any, len(params.Parameter))
	for _, p := range params.Parameter {
		if content := p.Content(); content != nil {
			vars[p.Name] = content
		}
	}
	return vars
}

func questionnaireID(params fhir.Parameters, qr fhir.Resource) string {
	if p, _, ok := params.Lookup(fhir.TypeQuestionnaire); ok && p.Resource != nil {
		return p.Resource.ID()
	}
	ref, _ := qr["questionnaire"].(string)
	return strings.TrimPrefix(ref, fhir.TypeQuestionnaire+"/")
}

func templateIssue(mappingID string, err error) fhir.Issue {
	var te *TemplateError
	if errors.As(err, &te) {
		return issue("processing", te.Err.Error(), fhir.TypeMapping+"/"+mappingID+"."+te.Path)
	}
	return issue("processing", err.Error(), fhir.TypeMapping+"/"+mappingID)
}

// ─── Mapping ────────────────────────────────────────────────────────────────

func (s *Server) getMapping(c echo.Context) error {
	m, ok := s.Mapping(idParam(c))
	if !ok {
		return outcome(c, http.StatusNotFound, issue(fhir.IssueNotFound, "Mapping/"+idParam(c)+" not found"))
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) putMapping(c echo.Context) error {
	var m fhir.Resource
	if err := bind(c, &m); err != nil {
		return err
	}
	if m.Type() != fhir.TypeMapping {
		return outcome(c, http.StatusBadRequest, issue(fhir.IssueInvalid,
			fmt.Sprintf("resourceType is %q, want %q", m.Type(), fhir.TypeMapping), "Mapping.resourceType"))
	}
	if m.ID() != idParam(c) {
		return outcome(c, http.StatusBadRequest, issue(fhir.IssueInvalid,
			fmt.Sprintf("resource id %q does not match %q", m.ID(), idParam(c)), "Mapping.id"))
	}
	s.mu.Lock()
	stored := s.storeMappingLocked(m)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, stored)
}

// debug dry-runs one mapping against the posted response.
func (s *Server) debug(c echo.Context) error {
	var qr fhir.Resource
	if err := bind(c, &qr); err != nil {
		return err
	}
	m, ok := s.Mapping(idParam(c))
	if !ok {
		return outcome(c, http.StatusNotFound, issue(fhir.IssueNotFound, "Mapping/"+idParam(c)+" not found"))
	}
	out, err := Render(s.ev, m["body"], qr, map[string]any{fhir.TypeQuestionnaireResponse: qr})
	if err != nil {
		return outcome(c, http.StatusUnprocessableEntity, templateIssue(m.ID(), err))
	}
	result, ok := out.(map[string]any)
	if !ok {
		result = map[string]any{"resourceType": fhir.TypeParameters,
			"parameter": []any{map[string]any{"name": "result", "value": out}}}
	}
	return c.JSON(http.StatusOK, result)
}
