package schema

// NarrativeDefinition is the declarative, human-authored description of a
// multi-act content workflow. Definitions are immutable once loaded for a run.
type NarrativeDefinition struct {
	Name           string `json:"name" yaml:"name"`
	TargetTable    string `json:"target_table,omitempty" yaml:"target_table"`
	SkipExtraction bool   `json:"skip_extraction,omitempty" yaml:"skip_extraction"`
	Acts           []Act  `json:"acts" yaml:"acts"`
}

// Act is one step of a narrative: inputs, a generation call, and zero or
// more processors the act explicitly opts into. Processors are never
// applied by default.
type Act struct {
	Name       string           `json:"name" yaml:"name"`
	Inputs     []Input          `json:"inputs" yaml:"inputs"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Processors []string         `json:"processors,omitempty" yaml:"processors"`
	// Retry bounds recoverable backend errors for this act (nil = no retries).
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry"`
	// RowSchema is the JSON Schema rows must satisfy when the extract
	// processor is opted in.
	RowSchema string `json:"row_schema,omitempty" yaml:"row_schema"`
	// Transform is a jq expression applied by the transform processor.
	Transform string `json:"transform,omitempty" yaml:"transform"`
}

// GenerationConfig is the model configuration passed to the generation backend.
type GenerationConfig struct {
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// RetryPolicy configures retry behavior for recoverable backend errors.
type RetryPolicy struct {
	Max     int    `json:"max" yaml:"max"`                   // max retry attempts after the first call
	Backoff string `json:"backoff,omitempty" yaml:"backoff"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty" yaml:"delay"`     // initial delay (e.g. "1s", "500ms")
	// MaxDelay caps the computed delay (e.g. "30s").
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"`
}

// InputKind enumerates the input variants an act can declare.
type InputKind string

const (
	InputText    InputKind = "text"
	InputFile    InputKind = "file"
	InputTable   InputKind = "table"
	InputCommand InputKind = "command"
)

// Input is a tagged variant: exactly one of Text/Path/Table/Command is set
// according to Kind.
type Input struct {
	Kind    InputKind     `json:"kind" yaml:"kind"`
	Text    string        `json:"text,omitempty" yaml:"text"`
	Path    string        `json:"path,omitempty" yaml:"path"`
	Table   *TableInput   `json:"table,omitempty" yaml:"table"`
	Command *CommandInput `json:"command,omitempty" yaml:"command"`
}

// TableInput dumps rows from a relational table into the prompt.
type TableInput struct {
	Name string `json:"name" yaml:"name"`
	// Filter is an expr-lang predicate evaluated per row; rows where it
	// yields false are dropped before rendering.
	Filter string `json:"filter,omitempty" yaml:"filter"`
	Limit  int    `json:"limit,omitempty" yaml:"limit"`
	Format string `json:"format,omitempty" yaml:"format"` // table | json (default: table)
}

// CommandInput runs a platform command and feeds its result to the prompt.
// The command's structured payload is also written to the execution state
// under the originating act's name so later acts can reference it.
type CommandInput struct {
	Platform string         `json:"platform" yaml:"platform"`
	Command  string         `json:"command" yaml:"command"`
	Args     map[string]any `json:"args,omitempty" yaml:"args"`
}

// NarrativeStatus is the lifecycle state of a narrative execution.
type NarrativeStatus string

const (
	NarrativeStatusPending   NarrativeStatus = "pending"
	NarrativeStatusRunning   NarrativeStatus = "running"
	NarrativeStatusSucceeded NarrativeStatus = "succeeded"
	NarrativeStatusFailed    NarrativeStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s NarrativeStatus) Terminal() bool {
	return s == NarrativeStatusSucceeded || s == NarrativeStatusFailed
}

// ActStatus is the lifecycle state of a single act within an execution.
type ActStatus string

const (
	ActStatusPending   ActStatus = "pending"
	ActStatusRunning   ActStatus = "running"
	ActStatusRetrying  ActStatus = "retrying"
	ActStatusCompleted ActStatus = "completed"
	ActStatusFailed    ActStatus = "failed"
	ActStatusSkipped   ActStatus = "skipped"
)

// ValidNarrativeTransitions defines the allowed state transitions for
// narrative executions. Succeeded and Failed are terminal — an execution
// is never resurrected.
var ValidNarrativeTransitions = map[NarrativeStatus][]NarrativeStatus{
	NarrativeStatusPending:   {NarrativeStatusRunning, NarrativeStatusFailed},
	NarrativeStatusRunning:   {NarrativeStatusSucceeded, NarrativeStatusFailed},
	NarrativeStatusSucceeded: {},
	NarrativeStatusFailed:    {},
}

// ValidActTransitions defines the allowed state transitions for acts.
var ValidActTransitions = map[ActStatus][]ActStatus{
	ActStatusPending:   {ActStatusRunning, ActStatusSkipped},
	ActStatusRunning:   {ActStatusCompleted, ActStatusFailed, ActStatusRetrying},
	ActStatusRetrying:  {ActStatusRunning, ActStatusFailed},
	ActStatusCompleted: {},
	ActStatusFailed:    {},
	ActStatusSkipped:   {},
}

// SchedulePolicy describes when a recurring actor task runs next.
// Either Interval or Cron must be set; Jitter and Window refine Interval.
type SchedulePolicy struct {
	Interval string      `json:"interval,omitempty" yaml:"interval"` // Go duration, e.g. "30m"
	Jitter   string      `json:"jitter,omitempty" yaml:"jitter"`     // max random offset added to Interval
	Cron     string      `json:"cron,omitempty" yaml:"cron"`         // standard 5-field cron expression
	Window   *TimeWindow `json:"window,omitempty" yaml:"window"`     // time-of-day run window
}

// TimeWindow restricts runs to a daily window. Start and End are "HH:MM"
// in UTC; a run landing outside the window is deferred to the next Start.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}
