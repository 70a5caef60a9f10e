package campaign

// TriggerType discriminates the trigger rule union. Every rule is a
// {type, params} pair; params live in the optional fields of TriggerRule and
// each type reads only its own.
type TriggerType string

const (
	TriggerPageLoad    TriggerType = "page_load"
	TriggerExitIntent  TriggerType = "exit_intent"
	TriggerScrollDepth TriggerType = "scroll_depth"
	TriggerTimeDelay   TriggerType = "time_delay"
	TriggerIdle        TriggerType = "idle"
	TriggerCartValue   TriggerType = "cart_value"
	TriggerAddToCart   TriggerType = "add_to_cart"
	TriggerCustomEvent TriggerType = "custom_event"
)

// KnownTriggerType reports whether t is a recognized trigger type.
func KnownTriggerType(t TriggerType) bool {
	switch t {
	case TriggerPageLoad, TriggerExitIntent, TriggerScrollDepth, TriggerTimeDelay,
		TriggerIdle, TriggerCartValue, TriggerAddToCart, TriggerCustomEvent:
		return true
	}
	return false
}

// Sensitivity tunes the exit-intent heuristic. Higher sensitivity fires on
// slower pointer movement further from the viewport edge.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Combine joins multiple trigger rules (or audience conditions).
type Combine string

const (
	CombineAll Combine = "and"
	CombineAny Combine = "or"
)

// TriggerRule is one condition under which a campaign becomes eligible to
// display. Only the fields relevant to Type are meaningful.
type TriggerRule struct {
	Type TriggerType

	Sensitivity  Sensitivity // exit_intent
	Percent      float64     // scroll_depth: depth threshold 0–100
	Seconds      float64     // time_delay, idle
	MinCartValue float64     // cart_value
	EventName    string      // custom_event
}

// TriggerConfig is the full trigger specification for a campaign.
type TriggerConfig struct {
	Combine Combine
	Rules   []TriggerRule
}
