package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/config"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/logging"
	"sopforge/backend/pkg/models"
)

func devConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Environment = "DEV"
	cfg.DevModeBypass = true
	cfg.DB.Driver = "sqlite"
	cfg.DB.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Auth.DevOrgDomain = "acme.test"
	cfg.Council.SweepInterval = 20 * time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	ctx := context.Background()
	store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	a, err := New(ctx, cfg, logging.Nop(), store)
	require.NoError(t, err)
	a.Start(ctx)
	t.Cleanup(a.Close)
	return a
}

func seedDev(t *testing.T, a *App) (*models.Member, *models.SOP) {
	t.Helper()
	ctx := context.Background()
	org := &models.Organization{Name: "Acme", Domain: "acme.test"}
	require.NoError(t, a.Store.CreateOrganization(ctx, org))
	dev := &models.Member{OrganizationID: org.ID, Email: "dev@acme.test", Role: models.RoleOwner}
	require.NoError(t, a.Store.UpsertMember(ctx, dev))
	sop := &models.SOP{OrganizationID: org.ID, Title: "Invoice approval", Description: "Approve supplier invoices"}
	require.NoError(t, a.Store.CreateSOP(ctx, sop))
	return dev, sop
}

func serve(a *App, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestApp_DevBypassRunsPipelineToCompletion(t *testing.T) {
	cfg := devConfig(t)
	cfg.Pipeline.AutoAdvance = true
	a := newApp(t, cfg)
	dev, sop := seedDev(t, a)

	rec := serve(a, http.MethodPost, "/api/v1/sops/"+sop.ID+"/runs")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, dev.UserID, run.CreatedByID)

	// Without an AI provider every stage is a degraded stub, so the run
	// completes without council gates.
	a.Pipeline.Wait()
	rec = serve(a, http.MethodGet, "/api/v1/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Run   models.PipelineRun    `json:"run"`
		Steps []models.StepRecord `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.RunStatusCompleted, view.Run.Status)
	assert.Len(t, view.Steps, len(models.AllStages))

	// The completion notification reaches the creator asynchronously.
	require.Eventually(t, func() bool {
		list, err := a.Store.ListNotifications(context.Background(), dev.OrganizationID, dev.UserID, true)
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_CloseDeliversQueuedNotifications(t *testing.T) {
	cfg := devConfig(t)
	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	a, err := New(context.Background(), cfg, logging.Nop(), store)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	dev, sop := seedDev(t, a)

	cancel()
	run := &models.PipelineRun{
		ID:             "run-close",
		OrganizationID: dev.OrganizationID,
		SOPID:          sop.ID,
		CreatedByID:    dev.UserID,
		CurrentStage:   models.LastStage,
		Status:         models.RunStatusCompleted,
	}
	a.Bus.Publish(events.NewRunEvent(events.RunCompleted, run, dev.UserID))
	a.Close()

	reopened, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer reopened.Close()
	list, err := reopened.ListNotifications(context.Background(), dev.OrganizationID, dev.UserID, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/pipeline/runs/run-close", list[0].Link)
}

func TestApp_UnknownMemberIsUnauthorized(t *testing.T) {
	a := newApp(t, devConfig(t))

	rec := serve(a, http.MethodGet, "/api/v1/runs")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(a, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_ServesDocs(t *testing.T) {
	cfg := devConfig(t)
	cfg.Auth.OktaDomain = "https://issuer.example"
	a := newApp(t, cfg)

	rec := serve(a, http.MethodGet, "/openapi.yaml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://issuer.example/v1/token")

	rec = serve(a, http.MethodGet, "/docs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swagger-ui")
}

func TestApp_ReloadClearsPromptCache(t *testing.T) {
	a := newApp(t, devConfig(t))
	ctx := context.Background()

	before, err := a.Resolver.Resolve(ctx, "audit-waste")
	require.NoError(t, err)
	require.NoError(t, a.Store.SavePromptVersion(ctx, &models.PromptVersion{Slug: "audit-waste", Body: "Edited.", Active: true}))

	cached, err := a.Resolver.Resolve(ctx, "audit-waste")
	require.NoError(t, err)
	assert.Equal(t, before.Text, cached.Text)

	a.Reload(a.Config, nil)
	after, err := a.Resolver.Resolve(ctx, "audit-waste")
	require.NoError(t, err)
	assert.Equal(t, "Edited.", after.Text)
}

func TestConfigConversions(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.GovernanceStages = []int{3, 5}

	pc := PipelineConfig(cfg)
	assert.Equal(t, []models.Stage{models.StageArchitectAgents, models.StageJudgeQuality}, pc.GovernanceStages)
	assert.Equal(t, 3, pc.MaxAttempts)
	assert.Len(t, StageOptions(cfg), len(models.AllStages))
}
