package config

// redacted replaces secret values in every printed or serialized form.
const redacted = "[REDACTED]"

// Secret holds a sensitive config value (webhook URLs, bot tokens). Every
// formatting and marshaling path masks it; only Reveal returns the raw
// value, at the call site that actually needs it.
type Secret string

// Reveal returns the underlying value.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) empty() bool { return s == "" }

// String implements fmt.Stringer, so %v, %s and %q all print the mask.
func (s Secret) String() string {
	if s.empty() {
		return ""
	}
	return redacted
}

// GoString masks %#v output as well.
func (s Secret) GoString() string {
	if s.empty() {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML masks the value when config is dumped back to YAML.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// MarshalJSON masks the value in JSON dumps, including reflected log fields.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
