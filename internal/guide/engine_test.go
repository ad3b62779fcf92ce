package guide

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/conditions"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/dom/memdom"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/sequencer"
	"github.com/graphext/clippi-sub000/internal/store"
)

const page = `<html><body>
  <button id="export-btn" data-testid="export">Export</button>
  <div id="export-modal" style="display:none">
    <button id="format-csv" aria-checked="false">CSV</button>
    <button id="download">Download</button>
  </div>
  <a id="billing" href="/billing">Billing</a>
</body></html>`

func str(s string) *string { return &s }

func css(v string) schemas.Selector {
	return schemas.Selector{Strategies: []schemas.SelectorStrategy{{Type: schemas.StrategyCSS, Value: v}}}
}

func testManifest() *schemas.Manifest {
	return &schemas.Manifest{
		Meta:     schemas.ManifestMeta{AppName: "Reports"},
		Defaults: schemas.ManifestDefaults{TimeoutMS: 60_000},
		Targets: []schemas.GuidanceTarget{
			{
				ID:          "export-csv",
				Label:       "Export as CSV",
				Description: "Download the current report as a spreadsheet",
				Keywords:    []string{"export", "csv", "download"},
				Selector:    css("#export-btn"),
				Conditions:  "plan:pro",
				Path: []schemas.PathStep{
					{Selector: css("#export-btn"), Instruction: "Open the export dialog", SuccessCondition: &schemas.SuccessCondition{Visible: str("#export-modal")}},
					{Selector: css("#format-csv"), Instruction: "Pick CSV", SuccessCondition: &schemas.SuccessCondition{
						Attribute: &schemas.AttributeCondition{Selector: "#format-csv", Name: "aria-checked", Value: str("true")},
					}},
					{Selector: css("#download"), Instruction: "Download", SuccessCondition: &schemas.SuccessCondition{Click: &schemas.ClickCondition{Enabled: true}}},
				},
			},
			{
				ID:          "billing",
				Label:       "Billing settings",
				Description: "Change your payment method or invoices",
				Keywords:    []string{"invoice", "payment", "card"},
				Selector:    css("#billing"),
			},
			{
				ID:         "broken",
				Label:      "Broken",
				Selector:   css("#billing"),
				Conditions: "plan:",
			},
		},
	}
}

type fixture struct {
	t     *testing.T
	page  *memdom.Page
	store *store.Memory
	e     *Engine

	mu  sync.Mutex
	log []events.Name
	by  map[events.Name]any
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })

	p := memdom.MustParse(page, memdom.WithURL("https://app.test/reports"))
	for css, r := range map[string]dom.Rect{
		"#export-btn":   {X: 10, Y: 10, Width: 80, Height: 30},
		"#export-modal": {X: 0, Y: 50, Width: 400, Height: 200},
		"#format-csv":   {X: 10, Y: 60, Width: 80, Height: 30},
		"#download":     {X: 10, Y: 100, Width: 80, Height: 30},
		"#billing":      {X: 200, Y: 10, Width: 80, Height: 30},
	} {
		require.NoError(t, p.Layout(css, r))
	}

	st := opts.Store
	mem, _ := st.(*store.Memory)
	if st == nil {
		mem = store.NewMemory()
		opts.Store = mem
	}
	opts.Logger = zaptest.NewLogger(t)
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.ScrollSettle == 0 {
		opts.ScrollSettle = time.Millisecond
	}
	if opts.UserContext == nil {
		opts.UserContext = map[string]any{"plan": "pro"}
	}

	f := &fixture{t: t, page: p, store: mem, e: New(p, opts), by: map[events.Name]any{}}
	for _, name := range append([]events.Name{EventBlocked, EventFallback, EventManifestReloaded}, forwarded...) {
		f.e.On(name, func(payload any) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.log = append(f.log, name)
			f.by[name] = payload
		})
	}
	t.Cleanup(f.e.Close)
	return f
}

func (f *fixture) init() {
	f.t.Helper()
	require.NoError(f.t, f.e.Init(context.Background(), testManifest()))
}

func (f *fixture) names() []events.Name {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Name(nil), f.log...)
}

func (f *fixture) last(name events.Name) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.by[name]
}

func (f *fixture) waitFor(name events.Name) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.last(name) != nil }, 2*time.Second, time.Millisecond)
}

// flush waits until every queued store write has run.
func (f *fixture) flush() {
	f.t.Helper()
	done := make(chan struct{})
	require.NoError(f.t, f.e.lp.Call(context.Background(), func() {
		f.e.jobs <- func(context.Context) error { close(done); return nil }
	}))
	<-done
}

func (f *fixture) saved() *store.Progress {
	f.t.Helper()
	f.flush()
	p, err := f.store.Load(context.Background())
	require.NoError(f.t, err)
	return p
}

func TestEngine_NotInitialized(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.e.Guide(ctx, "export-csv")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = f.e.Ask(ctx, "export")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, f.e.ConfirmStep(ctx), ErrNotInitialized)
	assert.ErrorIs(t, f.e.Reload(ctx, testManifest()), ErrNotInitialized)
	_, err = f.e.Targets(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	f.init()
	assert.ErrorIs(t, f.e.Init(ctx, testManifest()), ErrAlreadyInitialized)
}

func TestEngine_GuideRunsFlowAndPersists(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()
	ctx := context.Background()

	target, err := f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "export-csv", target.ID)
	assert.Equal(t, []events.Name{sequencer.EventFlowStarted, sequencer.EventBeforeGuide}, f.names())

	p := f.saved()
	require.NotNil(t, p)
	assert.Equal(t, "export-csv", p.FlowID)
	assert.Equal(t, 0, p.CurrentStep)

	snap, err := f.e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Active, snap.State)
	require.NotNil(t, snap.Step)
	assert.Equal(t, "Open the export dialog", snap.Step.Instruction)

	require.NoError(t, f.page.SetStyle("#export-modal", ""))
	f.waitFor(sequencer.EventStepCompleted)
	require.Eventually(t, func() bool {
		p := f.saved()
		return p != nil && p.CurrentStep == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, f.e.ConfirmStep(ctx))
	require.NoError(t, f.e.ConfirmStep(ctx))
	f.waitFor(sequencer.EventFlowCompleted)
	assert.Nil(t, f.saved(), "completion clears saved progress")
}

func TestEngine_GuideUnknownTarget(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()

	target, err := f.e.Guide(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Equal(t, FallbackEvent{Kind: FallbackUnknownTarget, Query: "nope"}, f.last(EventFallback))
	assert.NotContains(t, f.names(), sequencer.EventFlowStarted)
}

func TestEngine_GuideBlocked(t *testing.T) {
	f := newFixture(t, Options{UserContext: map[string]any{"plan": "free"}})
	f.init()
	ctx := context.Background()

	target, err := f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)
	assert.Nil(t, target)
	ev := f.last(EventBlocked).(BlockedEvent)
	assert.Equal(t, "export-csv", ev.Target.ID)
	assert.Equal(t, conditions.ReasonNotMet, ev.Result.Reason)
	assert.Equal(t, []string{"plan:pro"}, ev.Result.Missing)

	require.NoError(t, f.e.SetUserContext(ctx, map[string]any{"plan": "pro"}))
	target, err = f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)
	assert.NotNil(t, target)
}

func TestEngine_GuideInvalidCondition(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()

	target, err := f.e.Guide(context.Background(), "broken")
	require.NoError(t, err)
	assert.Nil(t, target)
	ev := f.last(EventBlocked).(BlockedEvent)
	assert.Equal(t, conditions.ReasonInvalid, ev.Result.Reason)
	assert.NotEmpty(t, ev.Result.Message)
}

func TestEngine_StartInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()

	f.e.starting.Store(true)
	_, err := f.e.Guide(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrStartInProgress)
	_, err = f.e.Ask(context.Background(), "billing")
	assert.ErrorIs(t, err, ErrStartInProgress)
	f.e.starting.Store(false)
}

func TestEngine_Ask(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()
	ctx := context.Background()

	target, err := f.e.Ask(ctx, "How do I download my report as CSV?")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "export-csv", target.ID)

	target, err = f.e.Ask(ctx, "update my card for invoices")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "billing", target.ID)

	target, err = f.e.Ask(ctx, "teleport to mars")
	require.NoError(t, err)
	assert.Nil(t, target)
	assert.Equal(t, FallbackEvent{Kind: FallbackNoMatch, Query: "teleport to mars"}, f.last(EventFallback))
}

func TestEngine_RestoresSavedFlow(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), store.Progress{FlowID: "export-csv", CurrentStep: 1, StartedAt: time.Now()}))
	f := newFixture(t, Options{Store: mem})
	require.NoError(t, f.page.SetStyle("#export-modal", ""))

	f.init()
	snap, err := f.e.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Flow)
	assert.Equal(t, "export-csv", snap.Flow.TargetID)
	assert.Equal(t, 1, snap.Flow.CurrentStep, "resumes after the step already satisfied")
}

func TestEngine_RestoreHonorsSavedStep(t *testing.T) {
	mem := store.NewMemory()
	// Nothing on the page shows the first two steps were done.
	require.NoError(t, mem.Save(context.Background(), store.Progress{FlowID: "export-csv", CurrentStep: 2, StartedAt: time.Now()}))
	f := newFixture(t, Options{Store: mem})

	f.init()
	snap, err := f.e.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Flow)
	assert.Equal(t, 2, snap.Flow.CurrentStep)
}

// stuckStore blocks every write until its context ends.
type stuckStore struct{}

func (stuckStore) Save(ctx context.Context, _ store.Progress) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckStore) Load(context.Context) (*store.Progress, error) { return nil, nil }

func (stuckStore) UpdateStep(ctx context.Context, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckStore) Clear(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEngine_StuckStoreDoesNotBlock(t *testing.T) {
	f := newFixture(t, Options{Store: stuckStore{}, StoreTimeout: 100 * time.Millisecond})
	f.init()
	ctx := context.Background()

	_, err := f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)

	// Overfill the write queue from the loop; the loop must keep running.
	queued := make(chan struct{})
	go func() {
		_ = f.e.lp.Call(ctx, func() {
			for range 2 * persistQueue {
				f.e.persist("update step", func(ctx context.Context) error { return stuckStore{}.UpdateStep(ctx, 1) })
			}
		})
		close(queued)
	}()
	select {
	case <-queued:
	case <-time.After(time.Second):
		t.Fatal("loop stalled behind the progress queue")
	}
	_, err = f.e.Snapshot(ctx)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		f.e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return with a stuck store")
	}
}

func TestEngine_DropsProgressForUnknownTarget(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), store.Progress{FlowID: "gone", StartedAt: time.Now()}))
	f := newFixture(t, Options{Store: mem})
	f.init()

	assert.Nil(t, f.saved())
	snap, err := f.e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sequencer.Idle, snap.State)
}

func TestEngine_ReloadAbandonsRemovedTarget(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()
	ctx := context.Background()

	_, err := f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)

	kept := testManifest()
	kept.Targets = kept.Targets[1:]
	require.NoError(t, f.e.Reload(ctx, kept))

	ev := f.last(sequencer.EventFlowAbandoned).(sequencer.FlowAbandonedEvent)
	assert.Equal(t, ReasonManifestReloaded, ev.Reason)
	assert.Equal(t, ManifestReloadedEvent{Targets: 2}, f.last(EventManifestReloaded))
	assert.Nil(t, f.saved())

	targets, err := f.e.Targets(ctx)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestEngine_ReloadKeepsSurvivingFlow(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()
	ctx := context.Background()

	_, err := f.e.Guide(ctx, "billing")
	require.NoError(t, err)
	require.NoError(t, f.e.Reload(ctx, testManifest()))

	snap, err := f.e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Active, snap.State)
	assert.Nil(t, f.last(sequencer.EventFlowAbandoned))
}

func TestEngine_ConfirmTimeout(t *testing.T) {
	t.Run("manifest default", func(t *testing.T) {
		f := newFixture(t, Options{})
		m := testManifest()
		m.Defaults.TimeoutMS = 10
		require.NoError(t, f.e.Init(context.Background(), m))
		_, err := f.e.Guide(context.Background(), "billing")
		require.NoError(t, err)
		f.waitFor(sequencer.EventConfirmationNeeded)
	})

	t.Run("negative disables", func(t *testing.T) {
		f := newFixture(t, Options{ConfirmTimeout: -1})
		m := testManifest()
		m.Defaults.TimeoutMS = 10
		require.NoError(t, f.e.Init(context.Background(), m))
		_, err := f.e.Guide(context.Background(), "billing")
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		assert.Nil(t, f.last(sequencer.EventConfirmationNeeded))
	})
}

func TestEngine_FlowControl(t *testing.T) {
	f := newFixture(t, Options{})
	f.init()
	ctx := context.Background()

	assert.ErrorIs(t, f.e.Pause(ctx), sequencer.ErrInvalidState)

	_, err := f.e.Guide(ctx, "export-csv")
	require.NoError(t, err)
	require.NoError(t, f.e.Pause(ctx))
	require.NoError(t, f.e.Resume(ctx))
	require.NoError(t, f.e.Cancel(ctx, "user"))
	assert.Equal(t, "user", f.last(sequencer.EventFlowAbandoned).(sequencer.FlowAbandonedEvent).Reason)
	assert.Nil(t, f.saved())

	_, err = f.e.Guide(ctx, "billing")
	require.NoError(t, err)
	require.NoError(t, f.e.Stop(ctx))
	snap, err := f.e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Idle, snap.State)
	assert.Nil(t, snap.Flow)
}

func TestBestMatch(t *testing.T) {
	m := testManifest()
	tests := []struct {
		query string
		want  string
	}{
		{"export", "export-csv"},
		{"CSV please", "export-csv"},
		{"billing", "billing"},
		{"payment", "billing"},
		{"the a to", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := bestMatch(m, tt.query)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}
