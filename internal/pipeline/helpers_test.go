package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/internal/repository"
	"sopforge/backend/internal/stages"
	"sopforge/backend/pkg/models"
)

var stageResponses = map[models.Stage]string{
	models.StageGenerateSOP: `{"title":"Invoice approval","steps":[
		{"order":1,"title":"Receive invoice","actor":"Clerk"},
		{"order":2,"title":"Approve invoice","actor":"Manager"}],"confidence":0.9}`,
	models.StageAuditWaste:         `{"findings":[{"category":"Waiting","description":"Invoices queue for approval"}],"confidence":0.8}`,
	models.StageArchitectAgents:    `{"agents":[{"name":"Intake Agent","role":"Receives invoices","responsibilities":["Receive invoice"]}],"confidence":0.8}`,
	models.StageGenerateAgentSpecs: `{"specs":[{"name":"Intake Agent","system_prompt":"You receive invoices."}],"confidence":0.8}`,
	models.StageJudgeQuality:       `{"score":91,"feedback":{"strengths":["clear"],"weaknesses":[],"recommendations":[]},"confidence":0.9}`,
}

// stageOf infers the stage from the shape of the bounded input.
func stageOf(payload json.RawMessage) models.Stage {
	var body struct {
		Input map[string]json.RawMessage `json:"input"`
	}
	_ = json.Unmarshal(payload, &body)
	switch {
	case body.Input["signals"] != nil:
		return models.StageAuditWaste
	case body.Input["waste_scores"] != nil:
		return models.StageArchitectAgents
	case body.Input["specs"] != nil:
		return models.StageJudgeQuality
	case body.Input["agents"] != nil:
		return models.StageGenerateAgentSpecs
	default:
		return models.StageGenerateSOP
	}
}

// scriptedModel answers every stage with stageResponses unless an override
// is registered for it.
type scriptedModel struct {
	mu        sync.Mutex
	overrides map[models.Stage][]string
	requests  []ai.Request
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{overrides: map[models.Stage][]string{}}
}

// queue makes the next calls for stage answer with raw, in order.
func (m *scriptedModel) queue(stage models.Stage, raw ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[stage] = append(m.overrides[stage], raw...)
}

func (m *scriptedModel) Available() bool { return true }

func (m *scriptedModel) Invoke(_ context.Context, req ai.Request) (ai.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	stage := stageOf(req.UserPayload)
	raw := stageResponses[stage]
	if queued := m.overrides[stage]; len(queued) > 0 {
		raw, m.overrides[stage] = queued[0], queued[1:]
	}
	return ai.Response{JSON: json.RawMessage(raw), Text: raw}, nil
}

func (m *scriptedModel) lastRequest() ai.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

type fakeGates struct {
	mu    sync.Mutex
	gates []Gate
	err   error
}

func (g *fakeGates) OpenGate(_ context.Context, gate Gate) (*models.CouncilRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.gates = append(g.gates, gate)
	stage := gate.Stage
	return &models.CouncilRequest{
		ID:             gate.RequestID,
		OrganizationID: gate.Run.OrganizationID,
		RunID:          &gate.Run.ID,
		StageIndex:     &stage,
		Type:           models.RequestTypePipelineGate,
		Status:         models.RequestStatusPending,
	}, nil
}

// sopOverride lets tests swap the source SOP seen by the service.
type sopOverride struct {
	*repository.Store
	mu  sync.Mutex
	sop *models.SOP
}

func (s *sopOverride) GetSOP(ctx context.Context, orgID, sopID string) (*models.SOP, error) {
	s.mu.Lock()
	sop := s.sop
	s.mu.Unlock()
	if sop != nil && sop.ID == sopID && sop.OrganizationID == orgID {
		return sop, nil
	}
	return s.Store.GetSOP(ctx, orgID, sopID)
}

func (s *sopOverride) set(sop *models.SOP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sop = sop
}

type env struct {
	store  *sopOverride
	model  *scriptedModel
	gates  *fakeGates
	events *recorder
	svc    *Service

	org    *models.Organization
	owner  *models.Member
	viewer *models.Member
	sop    *models.SOP
	ctx    context.Context
}

func newEnv(t *testing.T, opts ...Option) *env {
	return newEnvWithModel(t, nil, opts...)
}

func newEnvWithModel(t *testing.T, capability ai.Capability, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()

	store, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	e := &env{
		store:  &sopOverride{Store: store},
		model:  newScriptedModel(),
		gates:  &fakeGates{},
		events: &recorder{},
	}
	if capability == nil {
		capability = e.model
	}

	e.org, e.owner, e.viewer, e.sop = seedOrganization(t, store, "acme.test")
	e.ctx = auth.WithSession(ctx, sessionOf(e.owner))

	resolver, err := prompts.NewResolver(store)
	require.NoError(t, err)
	executor, err := stages.NewExecutor(resolver, capability)
	require.NoError(t, err)

	opts = append([]Option{WithGatekeeper(e.gates), WithPublisher(e.events)}, opts...)
	e.svc = NewService(e.store, executor, opts...)
	t.Cleanup(e.svc.Wait)
	return e
}

func seedOrganization(t *testing.T, store *repository.Store, domain string) (*models.Organization, *models.Member, *models.Member, *models.SOP) {
	t.Helper()
	ctx := context.Background()

	org := &models.Organization{Name: domain, Domain: domain}
	require.NoError(t, store.CreateOrganization(ctx, org))
	owner := &models.Member{OrganizationID: org.ID, Email: "owner@" + domain, Role: models.RoleOwner}
	require.NoError(t, store.UpsertMember(ctx, owner))
	viewer := &models.Member{OrganizationID: org.ID, Email: "viewer@" + domain, Role: models.RoleViewer}
	require.NoError(t, store.UpsertMember(ctx, viewer))

	sop := &models.SOP{
		OrganizationID: org.ID,
		Title:          "Invoice approval",
		Description:    "Approve supplier invoices",
		Steps: []models.SOPStep{
			{Order: 1, Title: "Receive invoice", Actor: "Clerk"},
			{Order: 2, Title: "Approve invoice", Actor: "Manager"},
		},
	}
	require.NoError(t, store.CreateSOP(ctx, sop))
	return org, owner, viewer, sop
}

func sessionOf(m *models.Member) auth.Session {
	return auth.Session{UserID: m.UserID, OrganizationID: m.OrganizationID, Email: m.Email, Role: m.Role}
}
