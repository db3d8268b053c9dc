package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/feedbackd/internal/property"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, line := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages. resolved holds the resolved properties by label.
func EvaluateAssertions(result *Result, assertions []Assertion, resolved map[string]property.Map) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertOutcome:
			err = assertOutcome(result, a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertProperty:
			err = assertProperty(resolved, a)
		case AssertActiveRequests:
			if result.Active != a.Count {
				err = &AssertionError{
					Type:     AssertActiveRequests,
					Expected: fmt.Sprintf("%d active requests", a.Count),
					Actual:   fmt.Sprintf("%d active requests", result.Active),
				}
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func assertOutcome(result *Result, a Assertion) error {
	got, ok := result.Outcomes[a.Request]
	if a.Result == ResultNone {
		if ok {
			return &AssertionError{
				Type:     AssertOutcome,
				Expected: fmt.Sprintf("request %s still running", a.Request),
				Actual:   fmt.Sprintf("finished with %s %s", got.Result, got.Code),
				Trace:    result.Trace,
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertOutcome,
			Expected: fmt.Sprintf("request %s finished with %s", a.Request, a.Result),
			Actual:   "no outcome",
			Trace:    result.Trace,
		}
	}
	if got.Result != a.Result || (a.Code != "" && got.Code != a.Code) {
		return &AssertionError{
			Type:     AssertOutcome,
			Expected: strings.TrimSpace(a.Result + " " + a.Code),
			Actual:   strings.TrimSpace(got.Result + " " + got.Code),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertTraceContains checks that the line occurs in the trace.
func assertTraceContains(trace []string, a Assertion) error {
	for _, line := range trace {
		if line == a.Line {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("line %q", a.Line),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the lines occur as a subsequence: other
// lines may appear in between.
func assertTraceOrder(trace []string, a Assertion) error {
	next := 0
	for _, line := range trace {
		if next < len(a.Lines) && line == a.Lines[next] {
			next++
		}
	}
	if next == len(a.Lines) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("lines in order: %q", a.Lines),
		Actual:   fmt.Sprintf("%q not found after %q", a.Lines[next], a.Lines[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks that the line occurs exactly Count times.
func assertTraceCount(trace []string, a Assertion) error {
	count := 0
	for _, line := range trace {
		if line == a.Line {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %q", a.Count, a.Line),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertProperty checks a resolved property of the last attempt of a
// request, which is the fallback replay when one ran.
func assertProperty(resolved map[string]property.Map, a Assertion) error {
	props, ok := resolved[a.Request]
	if !ok {
		return &AssertionError{
			Type:     AssertProperty,
			Expected: fmt.Sprintf("request %s resolved", a.Request),
			Actual:   "never resolved",
		}
	}
	want, err := property.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("property %s: %w", a.Key, err)
	}
	got, ok := props.Get(a.Key)
	if !ok || !property.Equal(want, got) {
		actual := "absent"
		if ok {
			actual = got.String()
		}
		return &AssertionError{
			Type:     AssertProperty,
			Expected: fmt.Sprintf("%s = %s", a.Key, want.String()),
			Actual:   fmt.Sprintf("%s = %s", a.Key, actual),
		}
	}
	return nil
}
