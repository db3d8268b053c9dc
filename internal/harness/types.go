package harness

// Outcome is the terminal result an input received for one request.
type Outcome struct {
	// Result is "reply" or "error".
	Result string `json:"result"`
	// Code is the failure code for errors.
	Code string `json:"code,omitempty"`
}

// Outcome results.
const (
	ResultReply = "reply"
	ResultError = "error"
	// ResultNone asserts that the request has not finished.
	ResultNone = "none"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every observation in order.
	Trace []string `json:"trace"`

	// Outcomes by request label. A request without an entry never finished.
	Outcomes map[string]Outcome `json:"outcomes"`

	// Properties are the last resolved properties by request label.
	Properties map[string]map[string]any `json:"properties,omitempty"`

	// Active is the number of requests still active after the last step.
	Active int `json:"active"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []string{},
		Outcomes:   make(map[string]Outcome),
		Properties: make(map[string]map[string]any),
		Errors:     []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(line string) {
	r.Trace = append(r.Trace, line)
}
