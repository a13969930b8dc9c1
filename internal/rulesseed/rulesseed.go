// Package rulesseed loads the baseline alert rule set `argusd rules
// seed` writes to the catalog on first start. Grounded on the
// talents.Loader embed-then-load pattern: a small embedded fixture
// parsed into the package's own wire shape, then converted to the
// domain type callers actually want.
package rulesseed

import (
	"embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/argus-observability/agentcore/internal/alerts"
	"github.com/argus-observability/agentcore/internal/classifier"
)

//go:embed rules.yaml
var fixtureFS embed.FS

type fixture struct {
	Rules []struct {
		ID              string   `yaml:"id"`
		Name            string   `yaml:"name"`
		EventKinds      []string `yaml:"event_kinds"`
		MinSeverity     string   `yaml:"min_severity"`
		CooldownSeconds int      `yaml:"cooldown_seconds"`
		AutoInvestigate bool     `yaml:"auto_investigate"`
		NotifyChannel   string   `yaml:"notify_channel"`
	} `yaml:"rules"`
}

func parseSeverity(s string) (classifier.Severity, error) {
	switch s {
	case "info":
		return classifier.SeverityInfo, nil
	case "notable":
		return classifier.SeverityNotable, nil
	case "urgent":
		return classifier.SeverityUrgent, nil
	default:
		return "", fmt.Errorf("rulesseed: unrecognized severity %q", s)
	}
}

// Load parses the embedded baseline rule set into alerts.Rule values.
// CreatedAt/UpdatedAt are left zero; the caller (the catalog's
// UpsertRule) stamps them on insert.
func Load() ([]alerts.Rule, error) {
	data, err := fixtureFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("rulesseed: read fixture: %w", err)
	}

	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("rulesseed: parse fixture: %w", err)
	}

	rules := make([]alerts.Rule, 0, len(fx.Rules))
	for _, r := range fx.Rules {
		sev, err := parseSeverity(r.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("rulesseed: rule %q: %w", r.ID, err)
		}
		kinds := make(map[string]bool, len(r.EventKinds))
		for _, k := range r.EventKinds {
			kinds[k] = true
		}
		rules = append(rules, alerts.Rule{
			ID:              r.ID,
			Name:            r.Name,
			EventKinds:      kinds,
			MinSeverity:     sev,
			Cooldown:        time.Duration(r.CooldownSeconds) * time.Second,
			AutoInvestigate: r.AutoInvestigate,
			NotifyChannel:   r.NotifyChannel,
		})
	}
	return rules, nil
}
