package config

import "time"

// File is the top-level YAML structure holding everything the authoring
// subsystem publishes for one store: engine tunables, experiments, and
// campaigns. The engine treats it as read-only input.
type File struct {
	Version     string          `yaml:"version"`
	Engine      EngineConf      `yaml:"engine"`
	Experiments []ExperimentDef `yaml:"experiments"`
	Campaigns   []CampaignDef   `yaml:"campaigns"`
}

// EngineConf holds tunable evaluation settings.
type EngineConf struct {
	EvalWorkers        int    `yaml:"eval_workers"`
	QueueDepth         int    `yaml:"queue_depth"`
	EvalTimeoutMs      int    `yaml:"eval_timeout_ms"`
	SessionIdleMinutes int    `yaml:"session_idle_minutes"`
	FallbackPolicy     string `yaml:"fallback_policy"` // fallback_to_control | ineligible
}

// CampaignDef is one campaign as authored.
type CampaignDef struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Priority     int          `yaml:"priority"`
	Status       string       `yaml:"status"`
	Surface      string       `yaml:"surface"`
	CTA          string       `yaml:"cta"`
	CreatedAt    time.Time    `yaml:"created_at"`
	Targeting    TargetingDef `yaml:"targeting"`
	FrequencyCap CapDef       `yaml:"frequency_cap"`
	Triggers     TriggersDef  `yaml:"triggers"`
	ExperimentID string       `yaml:"experiment_id"`
	VariantKey   string       `yaml:"variant_key"`
}

// TargetingDef mirrors targeting.Rules in YAML form.
type TargetingDef struct {
	IncludeURLs []string    `yaml:"include_urls"`
	ExcludeURLs []string    `yaml:"exclude_urls"`
	Tags        []string    `yaml:"tags"`
	Devices     []string    `yaml:"devices"`
	Audience    AudienceDef `yaml:"audience"`
}

// AudienceDef restricts by visitor history plus attribute conditions.
type AudienceDef struct {
	Visitor    string   `yaml:"visitor"` // "", "new", "returning"
	Combine    string   `yaml:"combine"` // "and" (default) | "or"
	Conditions []string `yaml:"conditions"`
}

// CapDef is a campaign's frequency cap. Zero disables a limit.
type CapDef struct {
	MaxPerSession   int `yaml:"max_per_session"`
	MaxPerDay       int `yaml:"max_per_day"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// TriggersDef is the trigger specification: rules joined by a combinator.
type TriggersDef struct {
	Combine string           `yaml:"combine"` // "and" (default) | "or"
	Rules   []TriggerRuleDef `yaml:"rules"`
}

// TriggerRuleDef is a {type, params} entry; each type reads its own params.
type TriggerRuleDef struct {
	Type         string  `yaml:"type"`
	Sensitivity  string  `yaml:"sensitivity,omitempty"`    // exit_intent
	Percent      float64 `yaml:"percent,omitempty"`        // scroll_depth
	Seconds      float64 `yaml:"seconds,omitempty"`        // time_delay, idle
	MinCartValue float64 `yaml:"min_cart_value,omitempty"` // cart_value
	Event        string  `yaml:"event,omitempty"`          // custom_event
}

// ExperimentDef declares an A/B(/n) experiment.
type ExperimentDef struct {
	ID       string       `yaml:"id"`
	Variants []VariantDef `yaml:"variants"`
}

// VariantDef is one treatment arm; Percent values must sum to 100.
type VariantDef struct {
	Key     string  `yaml:"key"`
	Percent float64 `yaml:"percent"`
	Control bool    `yaml:"control"`
}
