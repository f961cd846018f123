//go:build darwin

package accel

import onnxruntime "github.com/yalue/onnxruntime_go"

// platformProviders ranks macOS execution providers: CoreML restricted
// to the Apple Neural Engine when an NPU is preferred, then CoreML
// without that restriction (GPU/ANE auto-selected), falling through
// to CPU if neither initializes.
func platformProviders(preferNPU bool) []providerAttempt {
	var attempts []providerAttempt

	if preferNPU {
		attempts = append(attempts, providerAttempt{
			name: "CoreML (Neural Engine)",
			prepare: func(options *onnxruntime.SessionOptions) error {
				return options.AppendExecutionProviderCoreML(onnxruntime.CoreMLFlagUseNone | onnxruntime.CoreMLFlagOnlyEnableDeviceWithANE)
			},
		})
	}

	attempts = append(attempts, providerAttempt{
		name: "CoreML (NPU/GPU)",
		prepare: func(options *onnxruntime.SessionOptions) error {
			return options.AppendExecutionProviderCoreML(onnxruntime.CoreMLFlagUseNone)
		},
	})

	return attempts
}
