package carrier

import "smsdispatch/pkg/logx"

// SelectorPolicy tunes failover behavior.
//
// ExcludeLastFailed removes the carrier that failed the previous
// attempt from the rotation before indexing, so short rotations cannot
// immediately reselect it. It defaults to off: the historical behavior
// is plain attempt-modulo over every enabled carrier, and production
// traffic was shaped around that.
type SelectorPolicy struct {
	ExcludeLastFailed bool
}

// Selector picks the carrier for a given attempt, honoring priority and
// the enabled flags in the registry.
type Selector struct {
	reg    *Registry
	policy SelectorPolicy
	log    logx.Logger
}

func NewSelector(reg *Registry, policy SelectorPolicy, log logx.Logger) *Selector {
	return &Selector{reg: reg, policy: policy, log: log}
}

// Next returns the carrier for attempt n. Attempt 0 lands on the
// highest-priority enabled carrier; each following attempt round-robins
// through all enabled carriers in priority order. lastFailed is only
// honored when the ExcludeLastFailed policy is set.
func (s *Selector) Next(attempt int, lastFailed string) (Config, error) {
	candidates := s.reg.enabledByPriority()
	if len(candidates) == 0 {
		if !s.log.IsZero() {
			s.log.Error("no enabled carriers")
		}
		return Config{}, ErrNoEnabledCarriers
	}

	if s.policy.ExcludeLastFailed && lastFailed != "" && len(candidates) > 1 {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.Name != lastFailed {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if attempt < 0 {
		attempt = 0
	}
	return candidates[attempt%len(candidates)], nil
}
