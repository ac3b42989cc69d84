package device

import (
	"sort"
	"strings"
)

// Selection is one device slot's matching criteria.
//
// Precedence: a serial listed in Serials is allocatable even when it also
// appears in ExcludeSerials; the exclude list only filters devices that were
// not explicitly requested. Property filters always apply.
type Selection struct {
	Serials        []string
	ExcludeSerials []string
	Properties     map[string]string
}

// Matches reports whether the descriptor satisfies this selection. Allocation
// state is the pool's concern, not the selection's.
func (s Selection) Matches(d Descriptor) bool {
	if len(s.Serials) > 0 {
		if !containsString(s.Serials, d.Serial) {
			return false
		}
	} else if containsString(s.ExcludeSerials, d.Serial) {
		return false
	}
	for k, v := range s.Properties {
		if d.Properties[k] != v {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the selection matches any device.
func (s Selection) IsEmpty() bool {
	return len(s.Serials) == 0 && len(s.ExcludeSerials) == 0 && len(s.Properties) == 0
}

// Clone returns a deep copy, so callers can derive per-slot selections
// without sharing slices.
func (s Selection) Clone() Selection {
	cp := Selection{
		Serials:        append([]string(nil), s.Serials...),
		ExcludeSerials: append([]string(nil), s.ExcludeSerials...),
	}
	if s.Properties != nil {
		cp.Properties = make(map[string]string, len(s.Properties))
		for k, v := range s.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}

// String renders the selection for diagnostics (allocation failures, logs).
func (s Selection) String() string {
	if s.IsEmpty() {
		return "any"
	}
	var parts []string
	if len(s.Serials) > 0 {
		parts = append(parts, "serial in ["+strings.Join(s.Serials, " ")+"]")
	}
	if len(s.ExcludeSerials) > 0 {
		parts = append(parts, "serial not in ["+strings.Join(s.ExcludeSerials, " ")+"]")
	}
	if len(s.Properties) > 0 {
		keys := make([]string, 0, len(s.Properties))
		for k := range s.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+s.Properties[k])
		}
	}
	return strings.Join(parts, " ")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
