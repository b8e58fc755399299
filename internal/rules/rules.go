// Package rules transforms change events before the watch command forwards
// them: declarative per-table column rules, or a JavaScript script for
// anything the rules cannot express. Transformation never touches the
// realtime mirror itself; matching there must see the wire payload.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"storepulse/internal/config"
	"storepulse/internal/models"
)

// ErrEventRejected is returned when a transform drops an event, either a
// script returning null/undefined or a rule filtering out every column
var ErrEventRejected = errors.New("event rejected by rules")

// Engine applies the configured transformations to change events
type Engine struct {
	config   *config.RulesConfig
	logger   *logrus.Logger
	rules    []*ruleMatcher
	jsScript string
	natsConn *nats.Conn
}

type ruleMatcher struct {
	schema    string
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewEngine creates an engine from the rules configuration. The NATS
// connection is optional; without it scripts lose the nats bindings.
func NewEngine(cfg *config.RulesConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Engine, error) {
	e := &Engine{
		config:   cfg,
		logger:   logger,
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return e, nil
	}

	if cfg.Script != "" {
		content, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read script file: %w", err)
		}
		if err := validateScript(string(content)); err != nil {
			return nil, fmt.Errorf("invalid script %s: %w", cfg.Script, err)
		}
		e.jsScript = string(content)
		logger.Infof("Loaded transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		m := &ruleMatcher{
			schema:    rule.Schema,
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    rule.Rename,
			addFields: rule.AddFields,
		}
		for _, col := range rule.Include {
			m.include[strings.ToLower(col)] = true
		}
		for _, col := range rule.Exclude {
			m.exclude[strings.ToLower(col)] = true
		}
		e.rules = append(e.rules, m)
	}

	return e, nil
}

// Apply transforms one event. Returns ErrEventRejected when the event
// should be dropped.
func (e *Engine) Apply(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	if e.config == nil || !e.config.Enabled {
		return event, nil
	}
	if e.jsScript != "" {
		return e.applyScript(event)
	}
	if len(e.rules) > 0 {
		return e.applyRules(event)
	}
	return event, nil
}

// applyRules runs the first matching declarative rule
func (e *Engine) applyRules(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	var matched *ruleMatcher
	for _, rule := range e.rules {
		if rule.matches(event.Schema, event.Table) {
			matched = rule
			break
		}
	}
	if matched == nil {
		return event, nil
	}

	out := &models.ChangeEvent{
		Type:      event.Type,
		Schema:    event.Schema,
		Table:     event.Table,
		Timestamp: event.Timestamp,
		Record:    transformRecord(event.Record, matched),
		OldRecord: transformRecord(event.OldRecord, matched),
	}
	if out.Record == nil && out.OldRecord == nil {
		return nil, ErrEventRejected
	}
	return out, nil
}

func transformRecord(rec models.Record, rule *ruleMatcher) models.Record {
	if rec == nil {
		return nil
	}

	out := make(models.Record)
	for key, value := range rule.addFields {
		out[key] = value
	}
	for key, value := range rec {
		keyLower := strings.ToLower(key)
		if len(rule.exclude) > 0 && rule.exclude[keyLower] {
			continue
		}
		if len(rule.include) > 0 && !rule.include[keyLower] {
			continue
		}
		outKey := key
		if newName, ok := rule.rename[keyLower]; ok {
			outKey = newName
		}
		out[outKey] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *ruleMatcher) matches(schema, table string) bool {
	if r.schema != "" && !strings.EqualFold(r.schema, schema) {
		return false
	}
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}
	return true
}

// Validate checks the rules configuration before an engine is built
func Validate(cfg *config.RulesConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("script file not found: %s", cfg.Script)
		}
		if len(cfg.Rules) > 0 {
			return fmt.Errorf("cannot specify both 'script' and 'rules'")
		}
	}
	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("rule %d: cannot specify both 'include' and 'exclude'", i)
		}
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("rule %d: rename key %q not in include list", i, oldName)
				}
			}
		}
	}
	return nil
}
