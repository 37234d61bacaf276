package usp

import "sort"

// Возможности, которые стороны объявляют в handshake
const (
	CapPush      = "push"
	CapPull      = "pull"
	CapStreaming = "streaming"
)

// IntersectCapabilities возвращает отсортированное пересечение
// возможностей двух сторон. Сессия работает строго в пересечении:
// сторона без CapPush не получит push сообщений.
func IntersectCapabilities(a, b []string) []string {
	have := make(map[string]struct{}, len(a))
	for _, name := range a {
		have[name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(b))
	out := make([]string, 0, len(b))
	for _, name := range b {
		if _, ok := have[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasCapability проверяет наличие возможности в списке
func HasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}
