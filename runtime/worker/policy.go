package worker

import "time"

type RuntimePolicy struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	ClaimBlock        time.Duration
	HeartbeatInterval time.Duration
}

func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        time.Minute,
		PollInterval:      200 * time.Millisecond,
		ClaimBlock:        2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

func NormalizeRuntimePolicy(policy RuntimePolicy) RuntimePolicy {
	def := DefaultRuntimePolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = def.PollInterval
	}
	if policy.ClaimBlock < 0 {
		policy.ClaimBlock = 0
	}
	if policy.HeartbeatInterval <= 0 {
		policy.HeartbeatInterval = def.HeartbeatInterval
	}
	return policy
}

// Backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (p RuntimePolicy) Backoff(attempt int) time.Duration {
	p = NormalizeRuntimePolicy(p)
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(backoff, p.MaxBackoff)
}
