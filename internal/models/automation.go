package models

import "strconv"

// LocatorKind selects how a Locator finds an element
type LocatorKind string

const (
	LocatorXPath LocatorKind = "xpath"
	LocatorCSS   LocatorKind = "css"
	LocatorText  LocatorKind = "text"  // visible text match on clickable elements
	LocatorPoint LocatorKind = "point" // element at viewport coordinates
)

// Locator is one strategy for finding an element. Steps carry an ordered
// list of locators, the most precise first.
type Locator struct {
	Kind  LocatorKind `json:"kind" toml:"kind" yaml:"kind"`
	Value string      `json:"value,omitempty" toml:"value" yaml:"value"`
	X     int         `json:"x,omitempty" toml:"x" yaml:"x"`
	Y     int         `json:"y,omitempty" toml:"y" yaml:"y"`
}

func (l Locator) String() string {
	if l.Kind == LocatorPoint {
		return string(l.Kind) + ":(" + strconv.Itoa(l.X) + "," + strconv.Itoa(l.Y) + ")"
	}
	return string(l.Kind) + ":" + l.Value
}

// WaitCondition is the predicate a step polls for before acting
type WaitCondition string

const (
	WaitPresent     WaitCondition = "present"
	WaitVisible     WaitCondition = "visible"
	WaitClickable   WaitCondition = "clickable"
	WaitWindowCount WaitCondition = "window_count"
)

// ActionKind is what a step does once its wait condition holds
type ActionKind string

const (
	ActionNavigate     ActionKind = "navigate"
	ActionClick        ActionKind = "click"
	ActionType         ActionKind = "type"
	ActionSwitchFrame  ActionKind = "switch_frame"
	ActionSwitchWindow ActionKind = "switch_window"
	ActionCloseWindow  ActionKind = "close_window"
	ActionWait         ActionKind = "wait"
)

// AutomationStep is one unit of UI interaction.
//
// A switch_frame step locates frames with Locators and runs Steps inside
// each matching frame in turn until they succeed; the top-level context is
// restored when it returns. Durations are Go duration strings.
type AutomationStep struct {
	Name        string           `json:"name" toml:"name" yaml:"name"`
	Action      ActionKind       `json:"action" toml:"action" yaml:"action"`
	Locators    []Locator        `json:"locators,omitempty" toml:"locators" yaml:"locators"`
	Wait        WaitCondition    `json:"wait,omitempty" toml:"wait" yaml:"wait"`
	URL         string           `json:"url,omitempty" toml:"url" yaml:"url"`
	Text        string           `json:"text,omitempty" toml:"text" yaml:"text"`
	Submit      bool             `json:"submit,omitempty" toml:"submit" yaml:"submit"`
	Secret      bool             `json:"secret,omitempty" toml:"secret" yaml:"secret"` // redact Text in logs
	Steps       []AutomationStep `json:"steps,omitempty" toml:"steps" yaml:"steps"`
	Timeout     string           `json:"timeout,omitempty" toml:"timeout" yaml:"timeout"`
	RetryBudget int              `json:"retry_budget,omitempty" toml:"retry_budget" yaml:"retry_budget"`
}

// AutomationFlow is a named, fixed pipeline of steps
type AutomationFlow struct {
	Name  string           `json:"name" toml:"name" yaml:"name"`
	Steps []AutomationStep `json:"steps" toml:"steps" yaml:"steps"`
}

// EngineState is a state of the automation state machine
type EngineState string

const (
	StateIdle                EngineState = "idle"
	StateNavigatingToTarget  EngineState = "navigating_to_target"
	StateEstablishingSession EngineState = "establishing_session"
	StateExecutingSteps      EngineState = "executing_steps"
	StateCompleted           EngineState = "completed"
	StateFailed              EngineState = "failed"
)

// Outcome is the typed result of one automation run. Kind is empty when
// Status is StateCompleted.
type Outcome struct {
	Status      EngineState `json:"status"`
	Kind        FailureKind `json:"kind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	StepIndex   int         `json:"step_index"`
	StepName    string      `json:"step_name,omitempty"`
	Attempts    int         `json:"attempts"` // attempts spent on the last step run
	LoginUsed   bool        `json:"login_used"`
	PageURL     string      `json:"page_url,omitempty"`
	PageHTML    string      `json:"-"`
	DurationSec float64     `json:"duration_sec"`
}

// Completed reports whether the run finished every step
func (o Outcome) Completed() bool {
	return o.Status == StateCompleted
}
