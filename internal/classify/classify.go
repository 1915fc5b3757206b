// Package classify maps session-layer failures to the error kinds that
// drive tick retry policy (spec section 4.4): transient errors get capped
// exponential backoff, context-overflow and fatal errors end the tick, tool
// errors go back to the model as structured results.
package classify

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Kind is a classifier output.
type Kind string

const (
	Transient          Kind = "Transient"
	RateLimited        Kind = "RateLimited"
	ContextOverflow    Kind = "ContextOverflow"
	FatalProviderError Kind = "FatalProviderError"
	ContainerUnavailable Kind = "ContainerUnavailable"
	ToolTimeout        Kind = "ToolTimeout"
	UnobservedOutput   Kind = "UnobservedOutput"
	UnexpectedProgram  Kind = "UnexpectedProgram"
	NoCapacity         Kind = "NoCapacity"
	HookTimeout        Kind = "HookTimeout"
	DataRepoMalformed  Kind = "DataRepoMalformed"
	Unclassified       Kind = "Unclassified"
)

// Sentinel errors a provider session or tool implementation returns;
// Classify maps these (or errors wrapping these) to a Kind.
var (
	ErrTransient          = errors.New("transient upstream error")
	ErrRateLimited        = errors.New("rate limited")
	ErrContextOverflow    = errors.New("input exceeds context window")
	ErrFatalProvider      = errors.New("fatal provider error")
	ErrContainerUnavailable = errors.New("container unavailable")
	ErrToolTimeout        = errors.New("tool call timed out")
	ErrUnobservedOutput   = errors.New("unobserved terminal output")
	ErrUnexpectedProgram  = errors.New("unexpected foreground program")
	ErrNoCapacity         = errors.New("no terminal capacity")
	ErrHookTimeout        = errors.New("hook timed out")
	ErrDataRepoMalformed  = errors.New("data repo file malformed")
)

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrRateLimited, RateLimited},
	{ErrTransient, Transient},
	{ErrContextOverflow, ContextOverflow},
	{ErrFatalProvider, FatalProviderError},
	{ErrContainerUnavailable, ContainerUnavailable},
	{ErrToolTimeout, ToolTimeout},
	{ErrUnobservedOutput, UnobservedOutput},
	{ErrUnexpectedProgram, UnexpectedProgram},
	{ErrNoCapacity, NoCapacity},
	{ErrHookTimeout, HookTimeout},
	{ErrDataRepoMalformed, DataRepoMalformed},
}

// Classify maps err to a Kind by walking its error chain for a known
// sentinel. FatalProviderError is only returned for errors wrapping
// ErrFatalProvider; an err that matches none of the sentinels is
// Unclassified, which ends the tick abnormal without pausing the instance
// (section 4.3/7 — only a *recognized* fatal error pauses; an unrecognized
// one isn't assumed to be unrecoverable).
func Classify(err error) Kind {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return Unclassified
}

// Retryable reports whether a tick should retry the receive loop on this
// kind rather than end the tick.
func Retryable(k Kind) bool {
	return k == Transient || k == RateLimited
}

// ToolFacing reports whether k should be returned to the model as a
// structured tool result rather than ending the tick (section 4.4).
func ToolFacing(k Kind) bool {
	switch k {
	case UnobservedOutput, UnexpectedProgram, NoCapacity:
		return true
	default:
		return false
	}
}

const maxRetryAttempts = 10

// MaxAttempts is the retry cap for Transient/RateLimited classification
// before a tick gives up and ends abnormal.
func MaxAttempts() int { return maxRetryAttempts }

// Backoff returns the capped exponential backoff for retry attempt n
// (1-indexed), jittered per spec section 4.4: min(2^k, 60) seconds, jittered.
func Backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	capped := math.Min(math.Pow(2, float64(attempt)), 60)
	base := time.Duration(capped * float64(time.Second))
	jitter := time.Duration(rng.Int64N(int64(base) / 2))
	return base/2 + jitter
}

// Error wraps an underlying provider/tool error with its classified Kind,
// so callers can both log a Kind and errors.Is against the original cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err and returns an *Error carrying both the Kind and the
// original cause.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Err: err}
}
