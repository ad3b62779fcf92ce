package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/graphext/clippi-sub000/api/schemas"
)

const exportManifest = `{
  "$schema": "https://clippi.net/schema/manifest.v1.json",
  "meta": {"app_name": "Reports", "generated_at": "2026-01-01T00:00:00Z", "generator": "agent"},
  "targets": [
    {
      "id": "export-csv",
      "label": "Export as CSV",
      "description": "Download the current report as a CSV file",
      "keywords": ["export", "csv", "download"],
      "category": "reports",
      "selector": {"strategies": [{"type": "testId", "value": "export"}, {"type": "css", "value": "#export-btn"}]},
      "conditions": "plan:pro and not trial",
      "on_blocked": {"message": "Exports need the Pro plan", "suggest": "upgrade"},
      "path": [
        {
          "selector": {"strategies": [{"type": "testId", "value": "export"}]},
          "instruction": "Open the export dialog",
          "success_condition": {"visible": "#export-modal"}
        },
        {
          "selector": {"strategies": [{"type": "text", "value": "CSV", "tag": "button"}]},
          "instruction": "Pick CSV",
          "action": "click",
          "success_condition": {"attribute": {"selector": "#format-csv", "name": "aria-checked", "value": "true"}}
        },
        {
          "selector": {"strategies": [{"type": "css", "value": "#download"}]},
          "instruction": "Download",
          "success_condition": {"click": true},
          "final": true
        }
      ]
    },
    {
      "id": "upgrade",
      "label": "Upgrade plan",
      "selector": {"strategies": [{"type": "aria", "value": "Upgrade"}]}
    }
  ]
}`

func TestParse(t *testing.T) {
	m, warnings, err := Parse([]byte(exportManifest))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "Reports", m.Meta.AppName)
	assert.Equal(t, schemas.DefaultTimeoutMS, m.Defaults.TimeoutMS, "timeout defaults when absent")
	require.Len(t, m.Targets, 2)

	target, ok := m.Target("export-csv")
	require.True(t, ok)
	assert.Equal(t, "plan:pro and not trial", target.Conditions)
	require.Len(t, target.Path, 3)
	assert.Equal(t, "button", target.Path[1].Selector.Strategies[0].Tag)
	assert.True(t, target.Path[2].SuccessCondition.IsClickOnly())
	assert.True(t, target.Path[2].Final)

	upgrade, _ := m.Target("upgrade")
	assert.Len(t, upgrade.Steps(), 1, "targets without a path get a synthetic step")
}

func TestParse_DecodeError(t *testing.T) {
	_, _, err := Parse([]byte(`{"targets": [`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func target(id string, extra string) string {
	return `{"id": "` + id + `", "label": "L", "selector": {"strategies": [{"type": "css", "value": "#x"}]}` + extra + `}`
}

func manifestOf(targets ...string) []byte {
	return []byte(`{"meta": {"app_name": "a"}, "defaults": {"timeout_ms": 5000}, "targets": [` + strings.Join(targets, ",") + `]}`)
}

func TestParse_HardErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"no targets", manifestOf(), "no targets"},
		{"missing id", manifestOf(target("", "")), "missing id"},
		{"duplicate id", manifestOf(target("a", ""), target("a", "")), "duplicate id"},
		{"empty selector", []byte(`{"targets": [{"id": "a", "selector": {"strategies": []}}]}`), "no strategies"},
		{"unknown strategy", []byte(`{"targets": [{"id": "a", "selector": {"strategies": [{"type": "xpath", "value": "//a"}]}}]}`), "unknown strategy type"},
		{"empty value", []byte(`{"targets": [{"id": "a", "selector": {"strategies": [{"type": "css", "value": ""}]}}]}`), "empty value"},
		{"tag on css", []byte(`{"targets": [{"id": "a", "selector": {"strategies": [{"type": "css", "value": "#a", "tag": "button"}]}}]}`), "only allowed on text"},
		{"unknown action", manifestOf(target("a", `, "path": [{"selector": {"strategies": [{"type": "css", "value": "#a"}]}, "action": "hover"}]`)), "unknown action"},
		{"attribute without name", manifestOf(target("a", `, "path": [{"selector": {"strategies": [{"type": "css", "value": "#a"}]}, "success_condition": {"attribute": {"selector": "#a"}}}]`)), "needs a selector and a name"},
		{"value without operator", manifestOf(target("a", `, "path": [{"selector": {"strategies": [{"type": "css", "value": "#a"}]}, "success_condition": {"value": {"selector": "#a"}}}]`)), "needs equals"},
		{"value without selector", manifestOf(target("a", `, "path": [{"selector": {"strategies": [{"type": "css", "value": "#a"}]}, "success_condition": {"value": {"not_empty": true}}}]`)), "needs a selector"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, err := Parse(tt.data)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrInvalid)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_CollectsAllProblems(t *testing.T) {
	_, _, err := Parse([]byte(`{"targets": [{"id": ""}, {"id": "b", "selector": {"strategies": [{"type": "nope", "value": "x"}]}}]}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
}

func TestParse_Warnings(t *testing.T) {
	step := func(extra string) string {
		return `{"selector": {"strategies": [{"type": "css", "value": "#a"}]}` + extra + `}`
	}
	data := manifestOf(
		target("a", `, "conditions": "plan:", "on_blocked": {"message": "m", "suggest": "ghost"}, "path": [`+
			step(`, "final": true`)+`,`+
			step(`, "final": true, "success_condition": {"url_matches": "([", "visible": "##"}`)+`]`),
		`{"id": "b", "label": "B", "selector": {"strategies": [{"type": "css", "value": "div[["}]}}`,
	)
	m, warnings, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 5000, m.Defaults.TimeoutMS)

	fields := make([]string, 0, len(warnings))
	for _, w := range warnings {
		fields = append(fields, w.TargetID+"/"+w.Field)
	}
	assert.ElementsMatch(t, []string{
		"a/conditions",
		"a/path[0].final",
		"a/path",
		"a/path[1].success_condition.url_matches",
		"a/path[1].success_condition.visible",
		"a/on_blocked.suggest",
		"b/selector.strategies[0].value",
	}, fields)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(exportManifest), 0o644))

	m, _, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Targets, 2)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(exportManifest), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan *schemas.Manifest, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 10*time.Millisecond, zaptest.NewLogger(t), func(m *schemas.Manifest, _ []Warning) {
			reloads <- m
		})
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"targets": [`), 0o644))
	select {
	case <-reloads:
		t.Fatal("invalid manifest must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, manifestOf(target("only", "")), 0o644))
	select {
	case m := <-reloads:
		require.Len(t, m.Targets, 1)
		assert.Equal(t, "only", m.Targets[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	require.NoError(t, <-done)
}
