package tensor

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceInfo summarises the host the CPU backend runs on.
type DeviceInfo struct {
	Brand   string
	Cores   int
	Threads int
	AVX2    bool
	AVX512  bool
	NEON    bool
}

func (d DeviceInfo) String() string {
	simd := "scalar"
	switch {
	case d.AVX512:
		simd = "avx512"
	case d.AVX2:
		simd = "avx2"
	case d.NEON:
		simd = "neon"
	}
	return fmt.Sprintf("%s (%d cores, %d threads, %s)", d.Brand, d.Cores, d.Threads, simd)
}

func DescribeCPU() DeviceInfo {
	info := DeviceInfo{
		Brand:   cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: cpuid.CPU.LogicalCores,
		AVX2:    cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:  cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512BW),
		NEON:    cpuid.CPU.Supports(cpuid.ASIMD),
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	if info.Threads == 0 {
		info.Threads = runtime.NumCPU()
	}
	if info.Cores == 0 {
		info.Cores = info.Threads
	}
	return info
}
