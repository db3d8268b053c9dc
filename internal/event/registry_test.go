package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedbackd/internal/property"
)

func ringtoneRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTemplate("ringtone", nil, property.Map{"volume": property.Int(50)}))
	r.Register(NewTemplate("ringtone",
		property.Map{"context@profile": property.String("silent")},
		property.Map{"volume": property.Int(0)}))
	return r
}

func TestResolve_ContextRuleWins(t *testing.T) {
	r := ringtoneRegistry()
	ctx := property.Map{"profile": property.String("silent")}

	got := r.Resolve("ringtone", property.Map{}, ctx)
	require.NotNil(t, got)
	assert.Equal(t, int64(0), got.Properties.GetInt("volume"))
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	r := ringtoneRegistry()
	ctx := property.Map{"profile": property.String("general")}

	got := r.Resolve("ringtone", property.Map{}, ctx)
	require.NotNil(t, got)
	assert.True(t, got.IsDefault())
	assert.Equal(t, int64(50), got.Properties.GetInt("volume"))

	// A nil context fails every context rule.
	got = r.Resolve("ringtone", property.Map{}, nil)
	require.NotNil(t, got)
	assert.True(t, got.IsDefault())
}

func TestResolve_NoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("sms", property.Map{"type": property.String("flash")}, nil))

	assert.Nil(t, r.Resolve("sms", property.Map{"type": property.String("normal")}, nil))
	assert.Nil(t, r.Resolve("unknown", property.Map{}, nil))
}

func TestResolve_MostSpecificFirst(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("alarm", property.Map{"a": property.Int(1)}, property.Map{"id": property.String("one")}))
	r.Register(NewTemplate("alarm", property.Map{"a": property.Int(1), "b": property.Int(2)}, property.Map{"id": property.String("two")}))
	r.Register(NewTemplate("alarm", nil, property.Map{"id": property.String("default")}))

	props := property.Map{"a": property.Int(1), "b": property.Int(2)}
	assert.Equal(t, "two", r.Resolve("alarm", props, nil).Properties.GetString("id"))

	props = property.Map{"a": property.Int(1)}
	assert.Equal(t, "one", r.Resolve("alarm", props, nil).Properties.GetString("id"))

	assert.Equal(t, "default", r.Resolve("alarm", property.Map{}, nil).Properties.GetString("id"))

	list := r.Templates("alarm")
	require.Len(t, list, 3)
	assert.Len(t, list[0].Rules, 2)
	assert.Len(t, list[1].Rules, 1)
	assert.Len(t, list[2].Rules, 0)
}

func TestResolve_EqualRuleCountKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("ev", property.Map{"x": property.String(Wildcard)}, property.Map{"id": property.String("first")}))
	r.Register(NewTemplate("ev", property.Map{"y": property.String(Wildcard)}, property.Map{"id": property.String("second")}))

	for i := 0; i < 10; i++ {
		got := r.Resolve("ev", property.Map{}, nil)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.Properties.GetString("id"))
	}
}

func TestResolve_WildcardAndTypeMismatch(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("ev",
		property.Map{"call": property.String(Wildcard), "level": property.Int(3)},
		property.Map{"id": property.String("hit")}))

	assert.NotNil(t, r.Resolve("ev", property.Map{"level": property.Int(3)}, nil))
	assert.Nil(t, r.Resolve("ev", property.Map{"level": property.Uint(3)}, nil), "variant mismatch is not a match")
	assert.Nil(t, r.Resolve("ev", property.Map{"level": property.Int(4)}, nil))
}

func TestResolve_NeverReturnsNonMatching(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("ev", property.Map{"a": property.Int(1)}, nil))
	r.Register(NewTemplate("ev", property.Map{"b": property.Int(1)}, nil))
	r.Register(NewTemplate("ev", property.Map{"a": property.Int(1), "context@c": property.Bool(true)}, nil))

	inputs := []property.Map{
		{}, {"a": property.Int(1)}, {"b": property.Int(1)}, {"a": property.Int(2), "b": property.Int(2)},
	}
	ctx := property.Map{"c": property.Bool(true)}
	for _, in := range inputs {
		got := r.Resolve("ev", in, ctx)
		if got == nil {
			continue
		}
		assert.True(t, matches(got.Rules, in, ctx), "resolved template must match %v", in)
	}
}

func TestRegister_MergesIdenticalIdentity(t *testing.T) {
	r := NewRegistry()
	first := r.Register(NewTemplate("ev", property.Map{"a": property.Int(1)}, property.Map{"x": property.Int(1), "y": property.Int(1)}))
	got := r.Register(NewTemplate("ev", property.Map{"a": property.Int(1)}, property.Map{"y": property.Int(2)}))

	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(1), first.Properties.GetInt("x"))
	assert.Equal(t, int64(2), first.Properties.GetInt("y"))
}

func TestRegister_MergesIntoTemplateWithoutProperties(t *testing.T) {
	r := NewRegistry()
	first := r.Register(&Template{Name: "ev"})
	r.Register(NewTemplate("ev", nil, property.Map{"volume": property.Int(10)}))

	assert.Equal(t, int64(10), first.Properties.GetInt("volume"))
}

func TestRegister_Names(t *testing.T) {
	r := NewRegistry()
	r.Register(NewTemplate("b", nil, nil))
	r.Register(NewTemplate("a", nil, nil))
	r.Register(NewTemplate("b", property.Map{"k": property.Int(1)}, nil))

	assert.Equal(t, []string{"b", "a"}, r.Names())
	assert.Equal(t, 3, r.Len())
}
