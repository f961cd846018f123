//go:build linux

package accel

import onnxruntime "github.com/yalue/onnxruntime_go"

// platformProviders ranks Linux execution providers: ROCm for AMD,
// then CUDA for NVIDIA, then OpenVINO for Intel, falling through to
// CPU. NPU preference has no dedicated Linux path today, so preferNPU
// is accepted but does not change ordering.
func platformProviders(_ bool) []providerAttempt {
	return []providerAttempt{
		{
			name: "ROCm (AMD)",
			prepare: func(options *onnxruntime.SessionOptions) error {
				return options.AppendExecutionProviderROCM(onnxruntime.ROCMProviderOptions{})
			},
		},
		{
			name: "CUDA (NVIDIA)",
			prepare: func(options *onnxruntime.SessionOptions) error {
				cudaOptions, err := onnxruntime.NewCUDAProviderOptions()
				if err != nil {
					return err
				}
				defer cudaOptions.Destroy()
				return options.AppendExecutionProviderCUDA(cudaOptions)
			},
		},
		{
			name: "OpenVINO (Intel)",
			prepare: func(options *onnxruntime.SessionOptions) error {
				ovOptions, err := onnxruntime.NewOpenVINOProviderOptions()
				if err != nil {
					return err
				}
				defer ovOptions.Destroy()
				return options.AppendExecutionProviderOpenVINO(ovOptions)
			},
		},
	}
}
