package helper

import (
	"math/rand"
	"time"
)

// RandomStagger returns an interval between 0 and the duration
func RandomStagger(intv time.Duration) time.Duration {
	if intv == 0 {
		return 0
	}
	return time.Duration(uint64(rand.Int63()) % uint64(intv))
}

// Jitter returns d scattered by up to +/- fraction. A fraction of 0.25 on a
// one second duration yields a value in [750ms, 1250ms).
func Jitter(d time.Duration, fraction float64) time.Duration {
	spread := time.Duration(float64(d) * fraction)
	if spread == 0 {
		return d
	}
	return d - spread + RandomStagger(2*spread)
}

// Bound clamps d into [floor, ceil].
func Bound(d, floor, ceil time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	if d > ceil {
		return ceil
	}
	return d
}

// Min returns the smaller of a and b.
func Min[T int | int64 | float64 | time.Duration](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T int | int64 | float64 | time.Duration](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// ExpiryToRenewTime calculates how long until a holder should try to renew a
// lease based on its expiration time and now.
//
// Renewals begin halfway between now and the expiry plus some jitter.
func ExpiryToRenewTime(exp time.Time, now func() time.Time, minWait time.Duration) time.Duration {
	left := exp.Sub(now())

	if left < minWait {
		left = minWait
	}

	return (left / 2) + RandomStagger(left/10)
}

// CopyMap creates a shallow copy of m. A nil input returns nil.
func CopyMap[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CopySlice creates a shallow copy of s. A nil input returns nil.
func CopySlice[S ~[]E, E any](s S) S {
	if s == nil {
		return nil
	}
	out := make(S, len(s))
	copy(out, s)
	return out
}
