package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key at once so a config
// can be fixed in one pass.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match case, underscore
// and hyphen insensitively; a required key holding a blank string counts as
// missing. The returned error is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		allowed[normalizeKey(k)] = k
	}

	present := make(map[string]bool, len(input))
	errs := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok {
			if !schema.AllowUnknown {
				errs.Unknown = append(errs.Unknown, k)
			}
			continue
		}
		present[nk] = !isBlank(v)
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			errs.Missing = append(errs.Missing, k)
		}
	}
	if len(errs.Missing) == 0 && len(errs.Unknown) == 0 {
		return nil
	}
	sort.Strings(errs.Missing)
	sort.Strings(errs.Unknown)
	return errs
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
