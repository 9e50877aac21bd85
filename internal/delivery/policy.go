package delivery

import "time"

const (
	DefaultBaseDelay   = time.Minute
	DefaultMaxDelay    = 60 * time.Minute
	DefaultMaxAttempts = 100
	DefaultMaxAge      = 24 * time.Hour
)

// StopReason explains why the policy ended a pair.
type StopReason string

const (
	StopNone        StopReason = ""
	StopSucceeded   StopReason = "succeeded"
	StopPermanent   StopReason = "permanent"
	StopMaxAttempts StopReason = "max_attempts"
	StopMaxAge      StopReason = "max_age"
)

// Decision is the policy verdict after an attempt.
type Decision struct {
	Stop   bool
	Reason StopReason
	Delay  time.Duration // valid when Stop is false
}

// RetryPolicy is a pure function of attempt number, first attempt time and
// the current time. Zero fields fall back to the defaults.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxAge      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		MaxAge:      DefaultMaxAge,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return p
}

// Delay returns min(base * 2^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Next decides what follows attempt number attempt, which just finished
// with class. firstAttemptAt is the persisted start of attempt 1.
func (p RetryPolicy) Next(attempt int, firstAttemptAt, now time.Time, class Class) Decision {
	p = p.withDefaults()
	switch class {
	case ClassSuccess:
		return Decision{Stop: true, Reason: StopSucceeded}
	case ClassPermanent, ClassProducer:
		return Decision{Stop: true, Reason: StopPermanent}
	}
	if attempt > p.MaxAttempts {
		return Decision{Stop: true, Reason: StopMaxAttempts}
	}
	if !firstAttemptAt.IsZero() && now.Sub(firstAttemptAt) > p.MaxAge {
		return Decision{Stop: true, Reason: StopMaxAge}
	}
	return Decision{Delay: p.Delay(attempt)}
}
