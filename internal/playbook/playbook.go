// Package playbook maps classified instability patterns to operator-facing
// advisories. Rules come from an optional YAML pack; without one, a built-in
// mapping applies. Advisories are text for the veto surface and never feed
// back into detection.
package playbook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blackglass/coherence-sentinel/internal/models"
	"github.com/blackglass/coherence-sentinel/internal/utils"
)

// Rule maps matching incidents to one or more advisory actions.
type Rule struct {
	ID      string    `yaml:"id"`
	Match   RuleMatch `yaml:"match"`
	Actions []string  `yaml:"actions"`
	Note    string    `yaml:"note"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields
// match everything.
type RuleMatch struct {
	Pattern     string  `yaml:"pattern"`
	MinSeverity float64 `yaml:"minSeverity"`
}

// RulePackFile is the YAML root structure. Version and Updated are revision
// metadata stamped by whoever maintains the pack; Updated must be RFC3339
// when present.
type RulePackFile struct {
	Version string `yaml:"version"`
	Updated string `yaml:"updated"`
	Rules   []Rule `yaml:"rules"`
}

type pack struct {
	rules   []Rule
	version string
	updated time.Time
}

// Playbook resolves advisories from a loaded rule pack. The zero value is
// not usable; a nil *Playbook is, and serves the built-in defaults.
type Playbook struct {
	mu     sync.RWMutex
	rules  []Rule
	path   string
	logger *slog.Logger
}

// New loads a rule pack from the provided path. If path is empty or the file
// does not exist, it returns a nil playbook, which answers with the built-in
// defaults.
func New(path string, logger *slog.Logger) (*Playbook, error) {
	if path == "" {
		return nil, nil
	}
	pk, err := loadPack(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rule pack loaded", packAttrs(path, pk)...)
	return &Playbook{rules: pk.rules, path: path, logger: logger}, nil
}

func loadPack(path string) (pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pack{}, utils.NewAppError("playbook.load", "read rule pack", err)
	}
	var file RulePackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return pack{}, utils.NewAppError("playbook.load", fmt.Sprintf("parse rule pack %s", path), err)
	}
	pk := pack{rules: file.Rules, version: file.Version}
	if file.Updated != "" {
		updated, err := utils.ParseRFC3339(file.Updated)
		if err != nil {
			return pack{}, utils.NewAppError("playbook.load", "updated stamp must be RFC3339", err)
		}
		pk.updated = updated
	}
	return pk, nil
}

func packAttrs(path string, pk pack) []any {
	attrs := []any{slog.String("path", path), slog.Int("rules", len(pk.rules))}
	if pk.version != "" {
		attrs = append(attrs, slog.String("version", pk.version))
	}
	if !pk.updated.IsZero() {
		attrs = append(attrs, slog.Time("updated", pk.updated))
	}
	return attrs
}

// Reload re-reads the rule pack from disk and swaps it in atomically. On
// failure the previous pack stays active.
func (p *Playbook) Reload() error {
	if p == nil {
		return nil
	}
	pk, err := loadPack(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rules = pk.rules
	p.mu.Unlock()
	p.logger.Info("rule pack reloaded", packAttrs(p.path, pk)...)
	return nil
}

// Advise resolves the advisories for one classified pattern. severity is the
// peak severity of the owning incident and evidence the measurement map of
// its most recent contributing signal. A nil playbook or a pack with no
// matching rule falls back to the built-in pattern mapping.
func (p *Playbook) Advise(pattern models.Pattern, severity float64, evidence map[string]float64) []models.Advisory {
	if p == nil {
		return defaultAdvisories(pattern, evidence)
	}

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	matched := make([]models.Advisory, 0)
	seen := make(map[models.VetoAction]struct{})
	for _, rule := range rules {
		if rule.Match.Pattern != "" && !strings.EqualFold(rule.Match.Pattern, string(pattern)) {
			continue
		}
		if rule.Match.MinSeverity > 0 && severity < rule.Match.MinSeverity {
			continue
		}
		reason := rule.Note
		if reason == "" {
			reason = defaultReason(pattern, evidence)
		}
		for _, action := range rule.Actions {
			a := models.VetoAction(strings.ToUpper(strings.TrimSpace(action)))
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			matched = append(matched, models.Advisory{Pattern: pattern, Action: a, Reason: reason})
		}
	}
	if len(matched) == 0 {
		return defaultAdvisories(pattern, evidence)
	}
	return matched
}

// defaultAdvisories is the fallback mapping applied when no rule pack is
// loaded or nothing matched.
func defaultAdvisories(pattern models.Pattern, evidence map[string]float64) []models.Advisory {
	action, ok := defaultAction(pattern)
	if !ok {
		return nil
	}
	return []models.Advisory{{
		Pattern: pattern,
		Action:  action,
		Reason:  defaultReason(pattern, evidence),
	}}
}

func defaultAction(pattern models.Pattern) (models.VetoAction, bool) {
	switch pattern {
	case models.PatternSeizure:
		return models.ActionShedLoad, true
	case models.PatternFever:
		return models.ActionThrottle, true
	case models.PatternAutoImmune:
		return models.ActionCapRetries, true
	}
	return "", false
}

// defaultReason renders the measurement that tripped the pattern. Evidence
// keys differ between the two detector generations, so each pattern probes
// its known keys in order and falls back to the first value found.
func defaultReason(pattern models.Pattern, evidence map[string]float64) string {
	switch pattern {
	case models.PatternSeizure:
		return fmt.Sprintf("Variance %.1f > Limit", evidenceValue(evidence, "stddev", "robust_stddev"))
	case models.PatternFever:
		return fmt.Sprintf("Rate %.1fMB/s > Limit", evidenceValue(evidence, "rate", "median_rate", "latest_rate"))
	case models.PatternAutoImmune:
		return fmt.Sprintf("Amp %.2fx > Limit", evidenceValue(evidence, "ratio", "median_ratio", "latest_ratio"))
	}
	return ""
}

func evidenceValue(evidence map[string]float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := evidence[k]; ok {
			return v
		}
	}
	return 0
}
