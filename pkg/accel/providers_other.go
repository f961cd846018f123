//go:build !windows && !linux && !darwin

package accel

// platformProviders has no accelerator path on unrecognized platforms;
// Load falls straight through to CPU.
func platformProviders(_ bool) []providerAttempt {
	return nil
}
