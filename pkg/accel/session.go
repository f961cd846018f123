// Package accel owns the ONNX Runtime session lifecycle: library
// initialization, platform-ranked execution-provider fallback, and the
// single mutex-guarded inference call every tile batch goes through.
//
// Session selection tries accelerators in the order a desktop user is
// most likely to have one configured correctly, falling back to the
// next candidate (and eventually plain CPU) the moment a provider
// fails to initialize, so a missing GPU driver never prevents the
// model from loading.
package accel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"github.com/reayungao/upscaled/pkg/tensor"
)

// ErrOOM marks an inference failure the runtime reported as a resource
// exhaustion rather than a graph/shape error. ONNX Runtime doesn't
// expose a typed OOM error, so Run detects it by substring match on
// the error text and wraps it in this sentinel; callers can test for
// it with errors.Is.
var ErrOOM = errors.New("accel: out of memory")

// oomMarkers are substrings the ONNX Runtime error strings use across
// its execution providers to report an allocation failure. Centralized
// here so a provider update that changes wording only needs one edit.
var oomMarkers = []string{"memory", "allocate", "vram"}

func looksLikeOOM(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range oomMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// DType is the tensor element type a model's input/output expects.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	if d == Float16 {
		return "float16"
	}
	return "float32"
}

// Session wraps one loaded ONNX model. Run is safe for concurrent use;
// ONNX Runtime sessions are not documented as reentrant across
// multiple simultaneous Run calls, so every call serializes on mu.
type Session struct {
	mu                sync.Mutex
	inner             *onnxruntime.DynamicAdvancedSession
	inputName         string
	outputName        string
	ExecutionProvider string
	InputType         DType
	OutputType        DType
	// InputShape is the model graph's declared input dimensions, e.g.
	// [1, 3, 256, 256] for a fixed-size model or [-1, 3, -1, -1] for a
	// fully dynamic one. A non-positive entry means that dimension is
	// unconstrained.
	InputShape []int64
}

// Dtype returns the model's input element type. It exists alongside
// the InputType field so callers that only need the dtype can depend
// on the narrower upscale.Runner interface instead of the concrete
// Session type.
func (s *Session) Dtype() DType { return s.InputType }

// FixedTileSize returns the model's fixed spatial input size and true,
// or (0, false) if the model accepts arbitrary tile dimensions.
func (s *Session) FixedTileSize() (int, bool) {
	if len(s.InputShape) >= 3 && s.InputShape[2] > 0 {
		return int(s.InputShape[2]), true
	}
	return 0, false
}

// StaticBatchSize returns the model's fixed batch dimension and true,
// or (0, false) if the model accepts any batch size.
func (s *Session) StaticBatchSize() (int, bool) {
	if len(s.InputShape) > 0 && s.InputShape[0] > 0 {
		return int(s.InputShape[0]), true
	}
	return 0, false
}

var (
	initOnce sync.Once
	initErr  error
)

// ensureEnvironment initializes the ONNX Runtime shared library exactly
// once per process. libraryPath may be empty to use the platform
// default search path.
func ensureEnvironment(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			onnxruntime.SetSharedLibraryPath(libraryPath)
		}
		if !onnxruntime.IsInitialized() {
			initErr = onnxruntime.InitializeEnvironment()
		}
	})
	return initErr
}

// providerAttempt is one entry in a platform's ranked fallback chain.
type providerAttempt struct {
	name    string
	prepare func(options *onnxruntime.SessionOptions) error
}

// Load opens modelPath and builds a session, trying each execution
// provider platformProviders(preferNPU) returns, in order, before
// falling back to plain CPU. Intra-op threads follow the host's
// parallelism, clamped to [1,16].
func Load(modelPath, libraryPath string, preferNPU bool) (*Session, error) {
	if err := ensureEnvironment(libraryPath); err != nil {
		return nil, fmt.Errorf("accel: initialize ONNX Runtime: %w", err)
	}

	absPath, err := filepath.Abs(modelPath)
	if err != nil {
		return nil, fmt.Errorf("accel: resolve model path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("accel: model %s: %w", filepath.Base(modelPath), err)
	}

	inputInfo, outputInfo, err := onnxruntime.GetInputOutputInfo(absPath)
	if err != nil {
		return nil, fmt.Errorf("accel: read model graph: %w", err)
	}
	if len(inputInfo) == 0 || len(outputInfo) == 0 {
		return nil, fmt.Errorf("accel: model has no inputs/outputs")
	}

	numThreads := clamp(runtime.GOMAXPROCS(0), 1, 16)

	attempts := platformProviders(preferNPU)
	var (
		inner    *onnxruntime.DynamicAdvancedSession
		provider string
	)
	for _, attempt := range attempts {
		options, err := onnxruntime.NewSessionOptions()
		if err != nil {
			continue
		}
		if err := configureCommon(options, numThreads); err != nil {
			options.Destroy()
			continue
		}
		if err := attempt.prepare(options); err != nil {
			options.Destroy()
			log.Printf("accel: execution provider %s unavailable: %v", attempt.name, err)
			continue
		}

		s, err := onnxruntime.NewDynamicAdvancedSession(absPath,
			[]string{inputInfo[0].Name}, []string{outputInfo[0].Name}, options)
		options.Destroy()
		if err != nil {
			log.Printf("accel: execution provider %s failed to load model: %v", attempt.name, err)
			continue
		}
		inner, provider = s, attempt.name
		break
	}

	if inner == nil {
		options, err := onnxruntime.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("accel: create CPU session options: %w", err)
		}
		if err := configureCommon(options, numThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("accel: configure CPU session: %w", err)
		}
		s, err := onnxruntime.NewDynamicAdvancedSession(absPath,
			[]string{inputInfo[0].Name}, []string{outputInfo[0].Name}, options)
		options.Destroy()
		if err != nil {
			return nil, fmt.Errorf("accel: load model on CPU: %w", err)
		}
		inner, provider = s, "CPU"
	}

	dtype := dtypeFromONNX(inputInfo[0].DataType)
	outDtype := dtypeFromONNX(outputInfo[0].DataType)
	log.Printf("accel: loaded %s via %s, input dtype %s", filepath.Base(modelPath), provider, dtype)

	return &Session{
		inner:             inner,
		inputName:         inputInfo[0].Name,
		outputName:        outputInfo[0].Name,
		ExecutionProvider: provider,
		InputType:         dtype,
		OutputType:        outDtype,
		InputShape:        []int64(inputInfo[0].Dimensions),
	}, nil
}

func configureCommon(options *onnxruntime.SessionOptions, numThreads int) error {
	if err := options.SetIntraOpNumThreads(numThreads); err != nil {
		return err
	}
	if err := options.SetGraphOptimizationLevel(onnxruntime.GraphOptimizationLevelEnableAll); err != nil {
		return err
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dtypeFromONNX(t onnxruntime.TensorElementDataType) DType {
	if t == onnxruntime.TensorElementDataTypeFloat16 {
		return Float16
	}
	return Float32
}

// Run performs inference with shape as the input tensor's dimensions
// and input as its flattened planar contents, writing the output
// tensor's flattened contents into output (a *[]float32 or
// *[]tensor.Half, grown as needed) and returning the output shape and
// the number of valid elements written. input's element type must
// match s.InputType; output's element type may differ from the output
// tensor's and is converted when it does.
func (s *Session) Run(shape []int64, input any, output any) (outShape []int64, validLen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onnxShape := onnxruntime.NewShape(shape...)

	var inputTensor onnxruntime.Value
	switch d := input.(type) {
	case []float32:
		t, err := onnxruntime.NewTensor(onnxShape, d)
		if err != nil {
			return nil, 0, fmt.Errorf("accel: build input tensor: %w", err)
		}
		inputTensor = t
	case []tensor.Half:
		// tensor.Half and onnxruntime.Float16 are both raw IEEE 754
		// binary16 bit patterns stored in a uint16, so the conversion
		// is a plain element-wise reinterpretation, not a numeric one.
		raw := make([]onnxruntime.Float16, len(d))
		for i, h := range d {
			raw[i] = onnxruntime.Float16(h)
		}
		t, err := onnxruntime.NewTensor(onnxShape, raw)
		if err != nil {
			return nil, 0, fmt.Errorf("accel: build input tensor: %w", err)
		}
		inputTensor = t
	default:
		return nil, 0, fmt.Errorf("accel: unsupported input element type %T", input)
	}
	defer inputTensor.Destroy()

	outputs := make([]onnxruntime.Value, 1)
	if err := s.inner.Run([]onnxruntime.Value{inputTensor}, outputs); err != nil {
		if looksLikeOOM(err) {
			return nil, 0, fmt.Errorf("accel: inference: %w: %v", ErrOOM, err)
		}
		return nil, 0, fmt.Errorf("accel: inference: %w", err)
	}
	defer outputs[0].Destroy()

	switch out := outputs[0].(type) {
	case *onnxruntime.Tensor[float32]:
		return copyOutput(out.GetShape(), out.GetData(), output, func(v float32) float32 { return v }, tensor.F32ToHalf)
	case *onnxruntime.Tensor[onnxruntime.Float16]:
		return copyOutput(out.GetShape(), out.GetData(), output,
			func(v onnxruntime.Float16) float32 { return tensor.Half(v).Float32() },
			func(v onnxruntime.Float16) tensor.Half { return tensor.Half(v) })
	default:
		return nil, 0, fmt.Errorf("accel: unexpected output tensor type %T", outputs[0])
	}
}

// copyOutput writes a finished output tensor into the caller's buffer,
// converting element types when the buffer's dtype disagrees with the
// tensor's.
func copyOutput[E any](shape onnxruntime.Shape, data []E, output any, toF32 func(E) float32, toF16 func(E) tensor.Half) ([]int64, int, error) {
	shapeCopy := make([]int64, len(shape))
	copy(shapeCopy, shape)

	switch dst := output.(type) {
	case *[]float32:
		if cap(*dst) < len(data) {
			*dst = make([]float32, len(data))
		} else {
			*dst = (*dst)[:len(data)]
		}
		for i, v := range data {
			(*dst)[i] = toF32(v)
		}
	case *[]tensor.Half:
		if cap(*dst) < len(data) {
			*dst = make([]tensor.Half, len(data))
		} else {
			*dst = (*dst)[:len(data)]
		}
		for i, v := range data {
			(*dst)[i] = toF16(v)
		}
	default:
		return nil, 0, fmt.Errorf("accel: unsupported output buffer type %T", output)
	}
	return shapeCopy, len(data), nil
}

// Destroy releases the underlying ONNX Runtime session.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
}

// DetectScale probes the model with increasing square input sizes
// (64, 256, 512) until one succeeds, and derives the model's upscale
// factor from the ratio of output width to input width. Models with a
// fixed input shape reject all but their one supported size; trying
// progressively larger probes finds it without the caller needing to
// know it up front.
func (s *Session) DetectScale() (int, error) {
	var lastErr error
	for _, dim := range []int{64, 256, 512} {
		pixels := dim * dim * 3
		shape := []int64{1, 3, int64(dim), int64(dim)}

		var zeroed, scratch any
		if s.InputType == Float16 {
			zeroed = make([]tensor.Half, pixels)
		} else {
			zeroed = make([]float32, pixels)
		}
		if s.OutputType == Float16 {
			scratch = &[]tensor.Half{}
		} else {
			scratch = &[]float32{}
		}

		outShape, _, err := s.Run(shape, zeroed, scratch)
		if err != nil {
			lastErr = err
			continue
		}
		if len(outShape) < 4 {
			return 0, fmt.Errorf("accel: model output has rank %d, want 4", len(outShape))
		}
		outWidth := int(outShape[3])
		if outWidth%dim != 0 {
			return 0, fmt.Errorf("accel: output width %d is not an integer multiple of probe width %d", outWidth, dim)
		}
		return outWidth / dim, nil
	}
	return 0, fmt.Errorf("accel: could not determine model scale: %w", lastErr)
}
