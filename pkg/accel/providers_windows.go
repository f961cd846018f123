//go:build windows

package accel

import onnxruntime "github.com/yalue/onnxruntime_go"

// platformProviders ranks Windows execution providers: OpenVINO first
// when an NPU is preferred (many Windows NPUs surface through
// OpenVINO's auto device selection), then DirectML as the universal
// GPU path, falling through to CPU if both fail to initialize.
func platformProviders(preferNPU bool) []providerAttempt {
	var attempts []providerAttempt

	if preferNPU {
		attempts = append(attempts, providerAttempt{
			name: "OpenVINO (NPU/Auto)",
			prepare: func(options *onnxruntime.SessionOptions) error {
				ovOptions, err := onnxruntime.NewOpenVINOProviderOptions()
				if err != nil {
					return err
				}
				defer ovOptions.Destroy()
				return options.AppendExecutionProviderOpenVINO(ovOptions)
			},
		})
	}

	attempts = append(attempts, providerAttempt{
		name: "DirectML (GPU)",
		prepare: func(options *onnxruntime.SessionOptions) error {
			return options.AppendExecutionProviderDirectML(0)
		},
	})

	return attempts
}
