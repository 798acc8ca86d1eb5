package value

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON writes the "TYPE~ID" form.
func (t TargetReference) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON reads the "TYPE~ID" form.
func (t *TargetReference) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTarget(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type propertyJSON struct {
	Name     string   `json:"name"`
	Values   []string `json:"values,omitempty"`
	Any      bool     `json:"any,omitempty"`
	Optional bool     `json:"optional,omitempty"`
}

// MarshalJSON writes the bag as a list of properties in name order.
func (p Properties) MarshalJSON() ([]byte, error) {
	props := p.props()
	out := make([]propertyJSON, len(props))
	for i, e := range props {
		out[i] = propertyJSON{Name: e.name, Values: e.values, Any: e.wildcard, Optional: e.optional}
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the bag through a PropertiesBuilder.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var in []propertyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	b := NewProperties()
	for _, e := range in {
		if e.Name == "" {
			return fmt.Errorf("property without a name")
		}
		switch {
		case e.Any:
			b.WithAny(e.Name)
		case len(e.Values) == 0:
			return fmt.Errorf("property %q has neither values nor the wildcard", e.Name)
		default:
			b.With(e.Name, e.Values...)
		}
		if e.Optional {
			b.WithOptional(e.Name)
		}
	}
	*p = b.Get()
	return nil
}
