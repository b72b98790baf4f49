// Package agent discovers deployed LLMs, keeps one selected for agent chat and
// swaps it when health checks keep failing.
package agent

import (
	"strings"

	"ttstudio/pkg/types"
)

// Health states reported by Probe.
const (
	Healthy   = "HEALTHY"
	Degraded  = "DEGRADED"
	Unhealthy = "UNHEALTHY"
)

// SelectBest ranks candidates: named priorities (healthy before degraded),
// then model-type priorities, then any healthy, any degraded, any at all.
// ok is false only for an empty input.
func SelectBest(cands []types.LlmInfo, names, kinds []string) (types.LlmInfo, bool) {
	if len(cands) == 0 {
		return types.LlmInfo{}, false
	}
	for _, status := range []string{Healthy, Degraded} {
		for _, name := range names {
			want := strings.ToLower(name)
			for _, c := range cands {
				if c.HealthStatus == status && strings.Contains(strings.ToLower(c.ModelName), want) {
					return c, true
				}
			}
		}
	}
	for _, kind := range kinds {
		for _, status := range []string{Healthy, Degraded} {
			for _, c := range cands {
				if c.HealthStatus == status && strings.EqualFold(c.ModelType, kind) {
					return c, true
				}
			}
		}
	}
	for _, status := range []string{Healthy, Degraded} {
		for _, c := range cands {
			if c.HealthStatus == status {
				return c, true
			}
		}
	}
	return cands[0], true
}
