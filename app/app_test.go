package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/domain/protocol"
	"github.com/clinprecision/clinops-core/domain/study"
	"github.com/clinprecision/clinops-core/outbox/webhook"
	"github.com/clinprecision/clinops-core/refdata"
	"github.com/clinprecision/clinops-core/testing/testutil"
)

var ctx = context.Background()

const wait = 5 * time.Second

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Projections.PollInterval = 5 * time.Millisecond
	cfg.Projections.RetryBaseDelay = time.Millisecond
	cfg.Projections.RetryMaxDelay = 10 * time.Millisecond
	cfg.Projections.CatchUpTimeout = time.Second
	cfg.Outbox.PollInterval = 10 * time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	opts = append([]Option{
		WithLogger(clinops.NopLogger()),
		WithClock(clock.Now),
		WithSnapshot(refdata.Default()),
	}, opts...)
	a, err := New(ctx, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Start(ctx))
	return a
}

func createStudy(t *testing.T, a *App, id string) {
	t.Helper()
	_, err := a.DispatchAndWait(ctx, study.CreateStudy{
		CommandBase:    clinops.By("pi"),
		StudyID:        id,
		Name:           "Cardio-1",
		ProtocolNumber: "P-" + id,
		Sponsor:        "Acme",
	}, wait)
	require.NoError(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "oracle"
	_, err := New(ctx, cfg, WithLogger(clinops.NopLogger()))
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNew_RegistersEverything(t *testing.T) {
	a := newApp(t, testConfig())

	for _, f := range Families {
		assert.NotEmpty(t, f.Name)
	}
	assert.True(t, a.Bus.HasHandler("CreateStudy"))
	assert.True(t, a.Bus.HasHandler("InitializeStudyDesign"))
	assert.True(t, a.Bus.HasHandler("ChangeVisitStatus"))
	assert.True(t, a.Bus.HasHandler("AssignUserToSite"))
	assert.Len(t, a.ProjectionNames(), len(a.Projectors.All()))
	assert.Nil(t, a.Outbox)
	assert.Nil(t, a.Postgres())
	require.NoError(t, a.Ping(ctx))

	info, err := a.Diagnostics(ctx)
	require.NoError(t, err)
	assert.True(t, info.Connected)
}

func TestApp_CommandToReadModel(t *testing.T) {
	a := newApp(t, testConfig())
	createStudy(t, a, "s1")

	row, err := a.Models.Studies.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Cardio-1", row.Name)
	assert.Equal(t, study.StatusPlanning, row.Status)

	trail, err := a.Audit.ForEntity(ctx, study.Family, "s1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "pi", trail[0].ActorID)

	// the coordinator initializes the design on its own
	require.Eventually(t, func() bool {
		d, err := a.Models.Designs.Get(ctx, "s1")
		return err == nil && d.StudyName == "Cardio-1"
	}, wait, 10*time.Millisecond)
}

func TestApp_ValidatorsInstalled(t *testing.T) {
	a := newApp(t, testConfig())
	createStudy(t, a, "s1")
	pi := clinops.By("pi")

	dispatch := func(cmd clinops.Command) {
		t.Helper()
		_, err := a.DispatchAndWait(ctx, cmd, wait)
		require.NoError(t, err, cmd.CommandType())
	}
	dispatch(study.ChangeStudyStatus{CommandBase: pi, StudyID: "s1", NewStatus: study.StatusApproved, Reason: "IRB approval"})
	for _, v := range []struct{ id, number string }{{"v1", "1.0"}, {"v2", "2.0"}} {
		dispatch(protocol.CreateProtocolVersion{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", VersionNumber: v.number})
		dispatch(protocol.ChangeProtocolVersionStatus{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", NewStatus: protocol.StatusUnderReview, Reason: "ready"})
		dispatch(protocol.ChangeProtocolVersionStatus{CommandBase: pi, ProtocolVersionID: v.id, StudyID: "s1", NewStatus: protocol.StatusSubmitted, Reason: "reviewed"})
		dispatch(protocol.ApproveProtocolVersion{CommandBase: pi, ProtocolVersionID: v.id, EffectiveDate: testutil.Epoch})
	}
	dispatch(protocol.ActivateProtocolVersion{CommandBase: pi, ProtocolVersionID: "v1", StudyID: "s1", Reason: "go live"})

	_, err := a.Dispatch(ctx, protocol.ActivateProtocolVersion{CommandBase: pi, ProtocolVersionID: "v2", StudyID: "s1", Reason: "go live"})
	assert.ErrorIs(t, err, clinops.ErrPreconditionFailed)

	_, err = a.Dispatch(ctx, study.CreateStudy{StudyID: "s2", Name: "No actor", ProtocolNumber: "P-2", Sponsor: "Acme"})
	assert.ErrorIs(t, err, clinops.ErrValidation)
}

func TestApp_Idempotency(t *testing.T) {
	a := newApp(t, testConfig())
	cmd := study.CreateStudy{
		CommandBase:    clinops.CommandBase{Actor: "pi", Key: "create-s1"},
		StudyID:        "s1",
		Name:           "Cardio-1",
		ProtocolNumber: "P-001",
		Sponsor:        "Acme",
	}
	first, err := a.Dispatch(ctx, cmd)
	require.NoError(t, err)
	second, err := a.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, first.Position, second.Position)

	events, err := a.Store.Load(ctx, clinops.NewStreamID(study.Family, "s1"))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApp_OutboxWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		sigs   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get(webhook.HeaderSignature))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Outbox.Enabled = true
	cfg.Outbox.Webhook.SigningSecret = "s3cret"
	cfg.Outbox.Routes = []config.RouteConfig{{
		Families:    []string{study.Family},
		Destination: "webhook:" + srv.URL,
	}}
	a := newApp(t, cfg)
	require.NotNil(t, a.Outbox)

	createStudy(t, a, "s1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, wait, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(bodies[0]), `"eventType":"StudyCreated"`)
	assert.True(t, webhook.Verify([]byte("s3cret"), bodies[0], sigs[0]))
}

func TestApp_OutboxNeedsSNSClient(t *testing.T) {
	cfg := testConfig()
	cfg.Outbox.Enabled = true
	cfg.Outbox.Routes = []config.RouteConfig{{Destination: "sns:arn:aws:sns:eu-west-1:123:clinops"}}
	_, err := New(ctx, cfg, WithLogger(clinops.NopLogger()))
	assert.ErrorContains(t, err, "SNS client")
}

func TestRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Outbox.Routes = []config.RouteConfig{
		{Families: []string{"Patient"}, Destination: "kafka:clinops.patient", Format: config.FormatProtobuf},
		{Destination: "webhook:https://example.test/all"},
	}
	routes := Routes(cfg)
	require.Len(t, routes, 2)
	assert.Equal(t, []string{"Patient"}, routes[0].Families)
	assert.NotNil(t, routes[0].Transform)
	assert.Nil(t, routes[1].Transform)
}

func TestApp_Observability(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(ctx) }()

	cfg := testConfig()
	cfg.Tracing.Enabled = true
	a := newApp(t, cfg, WithTracerProvider(tp))
	createStudy(t, a, "s1")

	families, err := a.Prometheus.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["clinops_commands_total"])
	assert.True(t, names["clinops_events_appended_total"])
	assert.NotEmpty(t, rec.Ended())
}

func TestApp_Codecs(t *testing.T) {
	for _, tc := range []struct {
		codec    string
		compress bool
	}{
		{config.CodecJSON, true},
		{config.CodecMsgpack, false},
	} {
		t.Run(tc.codec, func(t *testing.T) {
			cfg := testConfig()
			cfg.Database.Codec = tc.codec
			cfg.Database.Compress = tc.compress
			a := newApp(t, cfg)
			createStudy(t, a, "s1")

			events, err := a.Store.Load(ctx, clinops.NewStreamID(study.Family, "s1"))
			require.NoError(t, err)
			require.Len(t, events, 1)
			created, ok := events[0].Data.(study.StudyCreated)
			require.True(t, ok)
			assert.Equal(t, "Cardio-1", created.Name)
		})
	}
}

func TestApp_Lifecycle(t *testing.T) {
	a, err := New(ctx, testConfig(), WithLogger(clinops.NopLogger()), WithSnapshot(refdata.Default()))
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Engine.IsRunning())

	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.Engine.IsRunning())
	require.NoError(t, a.Stop(ctx))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Start(ctx), clinops.ErrCommandBusClosed)
}
