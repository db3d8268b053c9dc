package cli

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/feedbackd/internal/config"
	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/property"
	"github.com/roach88/feedbackd/internal/transform"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Props   []string // key=value request properties
	Context []string // key=value context overrides
}

// ResolveResult explains which template a request resolves to.
type ResolveResult struct {
	Event      string         `json:"event"`
	Matched    bool           `json:"matched"`
	Default    bool           `json:"default,omitempty"`
	Rules      map[string]any `json:"rules,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <config> <event>",
		Short: "Show which template a request resolves to",
		Long: `Resolve an event name against a configuration without playing it.

Request properties and context values are given as key=value. Integer and
boolean literals are typed; everything else is a string. The output shows
the matching template's rules and the final request properties, after the
template merge and the context transform.

Examples:
  feedbackd resolve ./configs ringtone --context profile=meeting
  feedbackd resolve ./configs ringtone --prop type=voice --prop audio.volume=30`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Props, "prop", nil, "request property key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Context, "context", nil, "global context override key=value (repeatable)")

	return cmd
}

func runResolve(opts *ResolveOptions, path, name string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, errs := config.Load(path, config.LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load config", errs[0])
	}
	props, err := parseAssignments(opts.Props)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --prop", err)
	}
	overrides, err := parseAssignments(opts.Context)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --context", err)
	}

	result := resolve(cfg, name, props, overrides)
	if !result.Matched {
		_ = f.Error(string(engine.CodeNoEvent), fmt.Sprintf("no template of %q matches", name), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("event %q did not resolve", name))
	}

	if f.JSON() {
		return f.Success(result)
	}
	f.Printf("event: %s\n", result.Event)
	if result.Default {
		f.Printf("template: default\n")
	} else {
		f.Printf("template: rules %s\n", formatMap(result.Rules))
	}
	f.Printf("properties:\n")
	for _, k := range sortedKeys(result.Properties) {
		f.Printf("  %s = %v\n", k, result.Properties[k])
	}
	return nil
}

// resolve runs the request through an engine without sinks, so the
// template merge and the transform happen exactly as in the daemon. The
// request then fails with NO_SINK, which is expected here.
func resolve(cfg *config.Config, name string, props, overrides property.Map) ResolveResult {
	gctx := globalctx.New(cfg.Context)
	gctx.Merge(overrides)

	eng := engine.New(engine.WithEvents(cfg.Registry()), engine.WithContext(gctx))
	transform.New(gctx, cfg.Transform).Attach(eng.Hooks(), 0)

	req := eng.NewRequest(nil, name, props)
	eng.Play(req)
	eng.Drain()

	result := ResolveResult{Event: name}
	tmpl := req.Event()
	if tmpl == nil {
		return result
	}
	result.Matched = true
	result.Default = tmpl.IsDefault()
	if !result.Default {
		result.Rules = toAnyMap(tmpl.Rules)
	}
	result.Properties = toAnyMap(req.Properties())
	return result
}

// parseAssignments parses key=value pairs into properties.
func parseAssignments(pairs []string) (property.Map, error) {
	m := property.New()
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", pair)
		}
		m.Set(k, parseValue(v))
	}
	return m, nil
}

func parseValue(s string) property.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return property.Int(i)
	}
	switch s {
	case "true":
		return property.Bool(true)
	case "false":
		return property.Bool(false)
	}
	return property.String(s)
}

func toAnyMap(m property.Map) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = property.ToAny(v)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatMap(m map[string]any) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
