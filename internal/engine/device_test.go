package engine

import (
	"errors"
	"testing"
)

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name       string
		requested  string
		gpuEnabled bool
		forceCUDA  bool
		want       string
	}{
		{"cuda_with_gpu", "cuda", true, false, "cuda"},
		{"cuda_without_gpu", "cuda", false, false, "cpu"},
		{"cuda_forced_without_gpu", "cuda", false, true, "cuda"},
		{"cuda_indexed_without_gpu", "cuda:1", false, false, "cpu"},
		{"auto_with_gpu", "auto", true, false, "cuda"},
		{"auto_without_gpu", "auto", false, false, "cpu"},
		{"cpu_requested", "cpu", true, false, "cpu"},
		{"empty_defaults_cpu", "", true, false, "cpu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveDevice(tt.requested, tt.gpuEnabled, tt.forceCUDA)
			if got != tt.want {
				t.Errorf("ResolveDevice(%q, %t, %t) = %q, want %q",
					tt.requested, tt.gpuEnabled, tt.forceCUDA, got, tt.want)
			}
		})
	}
}

func TestResolveComputeType(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		device  string
		want    string
	}{
		{"fast_gpu", ProfileFast, "cuda", "int8"},
		{"balanced_gpu", ProfileBalanced, "cuda", "float16"},
		{"precise_gpu", ProfilePrecise, "cuda", "float32"},
		{"balanced_cpu_degrades", ProfileBalanced, "cpu", "int8"},
		{"precise_cpu_stays", ProfilePrecise, "cpu", "float32"},
		{"fast_cpu", ProfileFast, "cpu", "int8"},
		{"unknown_profile_balanced", "turbo", "cuda", "float16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveComputeType(tt.profile, tt.device)
			if got != tt.want {
				t.Errorf("ResolveComputeType(%q, %q) = %q, want %q", tt.profile, tt.device, got, tt.want)
			}
		})
	}
}

func TestIsAcceleratorError(t *testing.T) {
	matching := []string{
		"Could not locate cudnn_ops_infer64_8.dll",
		"CUDNN_STATUS_NOT_INITIALIZED",
		"cuBLAS failed with status 13",
		"CUDA error: invalid handle",
		"Cannot load symbol cudnnCreateTensorDescriptor",
		"RuntimeError: No CUDA GPUs are available",
		"the NVIDIA driver on your system is too old",
		"CUDA driver version is insufficient",
	}
	for _, msg := range matching {
		if !IsAcceleratorError(errors.New(msg)) {
			t.Errorf("IsAcceleratorError(%q) = false, want true", msg)
		}
	}

	nonMatching := []string{
		"connection refused",
		"engine error (status 400): bad language code",
		"out of memory",
	}
	for _, msg := range nonMatching {
		if IsAcceleratorError(errors.New(msg)) {
			t.Errorf("IsAcceleratorError(%q) = true, want false", msg)
		}
	}

	if IsAcceleratorError(nil) {
		t.Error("IsAcceleratorError(nil) = true, want false")
	}
}

func TestValidProfile(t *testing.T) {
	for _, p := range []string{ProfileFast, ProfileBalanced, ProfilePrecise} {
		if !ValidProfile(p) {
			t.Errorf("ValidProfile(%q) = false, want true", p)
		}
	}
	if ValidProfile("ultra") {
		t.Error(`ValidProfile("ultra") = true, want false`)
	}
}
