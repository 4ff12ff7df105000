//go:build !profile

package prof

import "io"

// Sentinels exist in both build modes so callers can branch on them; the
// stubs never return them.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive error

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile error
)

// Profile names a runtime profile.
type Profile string

const (
	ProfileCPU          Profile = "cpu"
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

// StartCPU is a no-op without the "profile" build tag.
func StartCPU(_ string) error { return nil }

// StopCPU is a no-op without the "profile" build tag.
func StopCPU() {}

// Write is a no-op without the "profile" build tag.
func Write(_ Profile, _ string) error { return nil }

// WriteTo is a no-op without the "profile" build tag.
func WriteTo(_ Profile, _ io.Writer, _ int) error { return nil }

// EnableContention is a no-op without the "profile" build tag.
func EnableContention() {}

// DisableContention is a no-op without the "profile" build tag.
func DisableContention() {}
