package value

import (
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Wildcard is the textual marker for "any value" used in configuration.
const Wildcard = "*"

// Properties is an immutable property bag. The zero value is the empty bag.
//
// The struct only holds the canonical encoding, which keeps it comparable;
// the decoded form lives in a process-wide intern table populated by
// PropertiesBuilder.Get.
type Properties struct {
	canon string
}

type property struct {
	name     string
	values   []string // sorted, unique; nil for a wildcard
	wildcard bool
	optional bool
}

var interned sync.Map // canonical string -> []property

func (p Properties) props() []property {
	if p.canon == "" {
		return nil
	}
	v, ok := interned.Load(p.canon)
	if !ok {
		panic("value: properties were not created through a PropertiesBuilder")
	}
	return v.([]property)
}

func (p Properties) lookup(name string) (property, bool) {
	props := p.props()
	i, found := slices.BinarySearchFunc(props, name, func(e property, n string) int {
		return strings.Compare(e.name, n)
	})
	if !found {
		return property{}, false
	}
	return props[i], true
}

// IsEmpty reports whether the bag defines no properties.
func (p Properties) IsEmpty() bool {
	return p.canon == ""
}

// Names returns the defined property names in sorted order.
func (p Properties) Names() []string {
	props := p.props()
	names := make([]string, len(props))
	for i, e := range props {
		names[i] = e.name
	}
	return names
}

// Defined reports whether the bag defines the named property.
func (p Properties) Defined(name string) bool {
	_, ok := p.lookup(name)
	return ok
}

// Values returns the allowed values for name. A wildcard property returns a
// nil slice with ok set.
func (p Properties) Values(name string) (values []string, ok bool) {
	e, ok := p.lookup(name)
	if !ok {
		return nil, false
	}
	return slices.Clone(e.values), true
}

// Value returns the single value of name, if it has exactly one.
func (p Properties) Value(name string) (string, bool) {
	e, ok := p.lookup(name)
	if !ok || e.wildcard || len(e.values) != 1 {
		return "", false
	}
	return e.values[0], true
}

// IsWildcard reports whether name is defined and accepts any value.
func (p Properties) IsWildcard(name string) bool {
	e, ok := p.lookup(name)
	return ok && e.wildcard
}

// IsOptional reports whether name is defined and marked optional.
func (p Properties) IsOptional(name string) bool {
	e, ok := p.lookup(name)
	return ok && e.optional
}

// IsStrict reports whether no property is a wildcard.
func (p Properties) IsStrict() bool {
	for _, e := range p.props() {
		if e.wildcard {
			return false
		}
	}
	return true
}

// IsSatisfiedBy reports whether these constraints are met by the properties
// of a produced value. Every non-optional constraint must be defined by
// other; where both sides define a name, either side may be a wildcard,
// otherwise the value sets must intersect.
func (p Properties) IsSatisfiedBy(other Properties) bool {
	if p.canon == other.canon {
		return true
	}
	for _, c := range p.props() {
		o, ok := other.lookup(c.name)
		if !ok {
			if c.optional {
				continue
			}
			return false
		}
		if c.wildcard || o.wildcard {
			continue
		}
		if !intersects(c.values, o.values) {
			return false
		}
	}
	return true
}

// Compose narrows these properties (typically a function's output template)
// to what the constraints ask for. Wildcards pinned by the constraints take
// the constrained values, finite sets are intersected, and wildcards left
// unpinned are dropped so that the result is strict.
func (p Properties) Compose(constraints Properties) Properties {
	b := NewProperties()
	for _, e := range p.props() {
		c, ok := constraints.lookup(e.name)
		pinned := ok && !c.wildcard
		switch {
		case e.wildcard && pinned:
			b.With(e.name, c.values...)
		case e.wildcard:
			// unpinned; dropped
		case pinned:
			if inter := intersection(e.values, c.values); len(inter) > 0 {
				b.With(e.name, inter...)
			} else {
				b.With(e.name, e.values...)
			}
		default:
			b.With(e.name, e.values...)
		}
	}
	return b.Get()
}

// Copy returns a builder seeded with these properties.
func (p Properties) Copy() *PropertiesBuilder {
	b := NewProperties()
	for _, e := range p.props() {
		cp := e
		cp.values = slices.Clone(e.values)
		b.m[e.name] = &cp
	}
	return b
}

// String returns the canonical form, e.g. {Currency=[EUR,USD],Curve=*}.
func (p Properties) String() string {
	return "{" + p.canon + "}"
}

// Compare orders property bags by canonical form.
func (p Properties) Compare(o Properties) int {
	return strings.Compare(p.canon, o.canon)
}

// PropertiesBuilder accumulates properties before freezing them with Get.
type PropertiesBuilder struct {
	m map[string]*property
}

// NewProperties starts an empty property bag.
func NewProperties() *PropertiesBuilder {
	return &PropertiesBuilder{m: make(map[string]*property)}
}

func (b *PropertiesBuilder) entry(name string) *property {
	e, ok := b.m[name]
	if !ok {
		e = &property{name: name}
		b.m[name] = e
	}
	return e
}

// With adds values to name. Calling it without values, or with the Wildcard
// marker, makes name a wildcard.
func (b *PropertiesBuilder) With(name string, values ...string) *PropertiesBuilder {
	e := b.entry(name)
	if e.wildcard {
		return b
	}
	if len(values) == 0 || slices.Contains(values, Wildcard) {
		e.wildcard = true
		e.values = nil
		return b
	}
	e.values = append(e.values, values...)
	return b
}

// WithAny makes name a wildcard.
func (b *PropertiesBuilder) WithAny(name string) *PropertiesBuilder {
	return b.With(name)
}

// WithOptional marks name as optional, defining it as a wildcard if it has
// no values yet.
func (b *PropertiesBuilder) WithOptional(name string) *PropertiesBuilder {
	e, ok := b.m[name]
	if !ok {
		b.With(name)
		e = b.m[name]
	}
	e.optional = true
	return b
}

// Without removes name.
func (b *PropertiesBuilder) Without(name string) *PropertiesBuilder {
	delete(b.m, name)
	return b
}

// Get freezes the builder into an immutable Properties value. The builder
// may keep being used afterwards.
func (b *PropertiesBuilder) Get() Properties {
	if len(b.m) == 0 {
		return Properties{}
	}
	props := make([]property, 0, len(b.m))
	for _, e := range b.m {
		cp := *e
		if !cp.wildcard {
			cp.values = slices.Clone(cp.values)
			slices.Sort(cp.values)
			cp.values = slices.Compact(cp.values)
		}
		props = append(props, cp)
	}
	slices.SortFunc(props, func(a, b property) int { return strings.Compare(a.name, b.name) })

	canon := encode(props)
	interned.LoadOrStore(canon, props)
	return Properties{canon: canon}
}

func encode(props []property) string {
	var sb strings.Builder
	for i, e := range props {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(quote(e.name))
		if e.optional {
			sb.WriteByte('?')
		}
		sb.WriteByte('=')
		if e.wildcard {
			sb.WriteString(Wildcard)
			continue
		}
		sb.WriteByte('[')
		for j, v := range e.values {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(quote(v))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, ",[]{}=?*\" \t\n") {
		return strconv.Quote(s)
	}
	return s
}

func intersects(a, b []string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := strings.Compare(a[i], b[j]); {
		case c == 0:
			return true
		case c < 0:
			i++
		default:
			j++
		}
	}
	return false
}

func intersection(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := strings.Compare(a[i], b[j]); {
		case c == 0:
			out = append(out, a[i])
			i++
			j++
		case c < 0:
			i++
		default:
			j++
		}
	}
	return out
}
