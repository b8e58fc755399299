package rules

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"storepulse/internal/config"
	"storepulse/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testEvent() *models.ChangeEvent {
	return &models.ChangeEvent{
		Type:   models.EventUpdate,
		Schema: "public",
		Table:  "orders",
		Record: models.Record{
			"id":     float64(1),
			"status": "done",
			"email":  "buyer@example.com",
		},
		OldRecord: models.Record{
			"id":     float64(1),
			"status": "pending",
			"email":  "buyer@example.com",
		},
	}
}

func TestDisabledEnginePassesThrough(t *testing.T) {
	e, err := NewEngine(&config.RulesConfig{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	in := testEvent()
	out, err := e.Apply(in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != in {
		t.Error("disabled engine should return the event unchanged")
	}
}

func TestExcludeAndRename(t *testing.T) {
	cfg := &config.RulesConfig{
		Enabled: true,
		Rules: []config.RuleConfig{{
			Schema:    "public",
			Table:     "orders",
			Exclude:   []string{"email"},
			Rename:    map[string]string{"status": "state"},
			AddFields: map[string]string{"source": "storepulse"},
		}},
	}
	e, err := NewEngine(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	out, err := e.Apply(testEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := out.Record["email"]; ok {
		t.Error("email should be excluded")
	}
	if out.Record["state"] != "done" {
		t.Errorf("rename not applied: %v", out.Record)
	}
	if out.Record["source"] != "storepulse" {
		t.Errorf("add_fields not applied: %v", out.Record)
	}
	if out.OldRecord["state"] != "pending" {
		t.Errorf("old record should be transformed too: %v", out.OldRecord)
	}
}

func TestIncludeList(t *testing.T) {
	cfg := &config.RulesConfig{
		Enabled: true,
		Rules: []config.RuleConfig{{
			Table:   "orders",
			Include: []string{"id", "status"},
		}},
	}
	e, err := NewEngine(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	out, err := e.Apply(testEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out.Record) != 2 {
		t.Errorf("expected only included columns, got %v", out.Record)
	}
}

func TestNonMatchingRulePassesThrough(t *testing.T) {
	cfg := &config.RulesConfig{
		Enabled: true,
		Rules: []config.RuleConfig{{
			Table:   "customers",
			Exclude: []string{"email"},
		}},
	}
	e, err := NewEngine(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	out, err := e.Apply(testEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := out.Record["email"]; !ok {
		t.Error("non-matching rule must not transform the event")
	}
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.js")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptTransform(t *testing.T) {
	path := writeScript(t, `(function(event) {
		event.record.flagged = event.record.status === "done";
		return event;
	})`)
	e, err := NewEngine(&config.RulesConfig{Enabled: true, Script: path}, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	out, err := e.Apply(testEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Record["flagged"] != true {
		t.Errorf("script change not applied: %v", out.Record)
	}
	if out.Table != "orders" {
		t.Errorf("untouched fields must survive the round trip: %q", out.Table)
	}
}

func TestScriptReject(t *testing.T) {
	path := writeScript(t, `function transform(event) {
		if (event.record.status === "done") { return null; }
		return event;
	}`)
	e, err := NewEngine(&config.RulesConfig{Enabled: true, Script: path}, testLogger(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if _, err := e.Apply(testEvent()); !errors.Is(err, ErrEventRejected) {
		t.Errorf("expected ErrEventRejected, got %v", err)
	}
}

func TestScriptMustExportFunction(t *testing.T) {
	path := writeScript(t, `var x = 1;`)
	if _, err := NewEngine(&config.RulesConfig{Enabled: true, Script: path}, testLogger(), nil); err == nil {
		t.Error("expected error for script without a transform function")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Errorf("nil config should validate: %v", err)
	}

	err := Validate(&config.RulesConfig{
		Enabled: true,
		Rules: []config.RuleConfig{{
			Include: []string{"id"},
			Exclude: []string{"email"},
		}},
	})
	if err == nil {
		t.Error("include+exclude on one rule should fail validation")
	}

	err = Validate(&config.RulesConfig{
		Enabled: true,
		Rules: []config.RuleConfig{{
			Include: []string{"id"},
			Rename:  map[string]string{"status": "state"},
		}},
	})
	if err == nil {
		t.Error("rename of a non-included column should fail validation")
	}

	err = Validate(&config.RulesConfig{
		Enabled: true,
		Script:  filepath.Join(os.TempDir(), "does-not-exist-12345.js"),
	})
	if err == nil {
		t.Error("missing script file should fail validation")
	}
}
