// Package prof provides on-demand profiling for the softeth data path,
// wrapping [runtime/pprof] behind the "profile" build tag:
//
//	go build -tags profile
//	go test -tags profile
//
// Without the tag every exported function is a no-op, so profiling hooks
// can stay wired in the example binaries at zero cost.
//
// # HTTP Profiling
//
// Built with the tag, the package serves /debug/pprof/ on localhost:6060;
// set SOFTETH_PPROF to choose another listen address.
//
// # CPU Profiling
//
// CPU samples accumulate between an explicit start and stop:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//
// A second start before the stop returns [ErrCPUProfileActive].
//
// # Snapshot Profiles
//
// Every other profile captures a point in time:
//
//	prof.Write(prof.ProfileHeap, "heap.prof")
//	prof.WriteTo(prof.ProfileGoroutine, os.Stdout, 1) // debug=1: text
//
// [ProfileCPU] is rejected by [Write] and [WriteTo].
//
// # Contention
//
// The runtime records nothing into the block and mutex profiles by
// default, which hides time spent waiting on the transmit gate. Turn
// recording on around the region of interest:
//
//	prof.EnableContention()
//	defer prof.DisableContention()
package prof
