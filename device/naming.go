package device

import "sort"

// Nameable is anything that carries a user-facing name.
type Nameable interface {
	Name() string
	SetName(name string)
}

// Named sets the name of d when name is not empty and returns d.
func Named[T Nameable](d T, name string) T {
	if name != "" {
		d.SetName(name)
	}
	return d
}

// NameAll names every unnamed object after its key and returns the keys that
// were applied, sorted. Objects that already have a name keep it.
func NameAll(objects map[string]Nameable) []string {
	var applied []string
	for name, obj := range objects {
		if obj == nil || obj.Name() != "" {
			continue
		}
		obj.SetName(name)
		applied = append(applied, name)
	}
	sort.Strings(applied)
	return applied
}
