//go:build profile

package prof

import (
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	_ "net/http/pprof" // serve /debug/pprof/ on the listener below

	"github.com/ardnew/softeth/pkg"
)

// component identifies the profiling subsystem for structured logging.
const component pkg.Component = "prof"

// envListenAddr names the environment variable overriding the pprof HTTP
// listen address. The server binds localhost:6060 when it is unset.
const envListenAddr = "SOFTETH_PPROF"

func init() {
	addr := os.Getenv(envListenAddr)
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		err := http.ListenAndServe(addr, nil)
		pkg.LogError(component, "pprof server exited", "addr", addr, "error", err)
	}()
}

var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name, or
	// [ProfileCPU] passed where only snapshot profiles are accepted.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime profile as understood by [pprof.Lookup].
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

var cpu struct {
	sync.Mutex
	file   *os.File
	active bool
}

// StartCPU begins CPU profiling into a file at path. A second call before
// [StopCPU] returns [ErrCPUProfileActive].
func StartCPU(path string) error {
	cpu.Lock()
	defer cpu.Unlock()

	if cpu.active {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpu.file, cpu.active = f, true
	return nil
}

// StopCPU ends CPU profiling and closes the profile file. Calling it with
// no profile active does nothing.
func StopCPU() {
	cpu.Lock()
	defer cpu.Unlock()

	if !cpu.active {
		return
	}
	pprof.StopCPUProfile()
	cpu.file.Close()
	cpu.file, cpu.active = nil, false
}

// Write snapshots the named profile into a file at path. CPU profiling
// accumulates over an interval rather than snapshotting, so [ProfileCPU]
// is rejected with [ErrInvalidProfile]; use [StartCPU] and [StopCPU].
func Write(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if profile == ProfileCPU || p == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo snapshots the named profile into w. Debug level 0 produces the
// binary form go tool pprof reads; level 1 is human-readable text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	if profile == ProfileCPU {
		return ErrInvalidProfile
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, debug)
}

// EnableContention records every blocking and mutex-contention event.
// Waits on the transmit gate and the driver's flag mutex only appear in
// the block and mutex profiles while recording is on; the runtime default
// records nothing.
func EnableContention() {
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
}

// DisableContention stops recording blocking and contention events.
func DisableContention() {
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
}
