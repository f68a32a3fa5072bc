package engine

import "strings"

// acceleratorErrorPatterns are substrings (matched case-insensitively) that
// identify a broken or absent CUDA runtime rather than a bad request. Any
// match triggers a one-shot retry on cpu.
var acceleratorErrorPatterns = []string{
	"could not locate cudnn",
	"cudnn",
	"cublas",
	"invalid handle",
	"cannot load symbol",
	"no cuda gpus are available",
	"cuda driver",
	"driver library cannot be found",
	"nvidia driver on your system is too old",
}

// IsAcceleratorError reports whether err looks like a CUDA/cuDNN runtime
// failure.
func IsAcceleratorError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range acceleratorErrorPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// ResolveDevice decides the device a request runs on. "auto" follows the
// declared GPU support. A cuda request on a host without GPU support degrades
// to cpu unless ForceCUDA insists.
func ResolveDevice(requested string, gpuEnabled, forceCUDA bool) string {
	switch requested {
	case "", "cpu":
		return "cpu"
	case "auto":
		if gpuEnabled {
			return "cuda"
		}
		return "cpu"
	}
	if strings.HasPrefix(requested, "cuda") && !gpuEnabled && !forceCUDA {
		return "cpu"
	}
	return requested
}

// ResolveComputeType maps a quality profile to a compute type the device can
// run. float16 is a GPU format; on cpu it degrades to int8.
func ResolveComputeType(profile, device string) string {
	ct, ok := computeTypes[profile]
	if !ok {
		ct = computeTypes[ProfileBalanced]
	}
	if device == "cpu" && ct == "float16" {
		return "int8"
	}
	return ct
}
