package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the onnxruntime shared library once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

// SessionConfig configures the ONNX session pool.
type SessionConfig struct {
	ModelPath      string
	LibraryPath    string
	PoolSize       int
	IntraOpThreads int
}

// boundSession is one ONNX session with its own pre-allocated tensors.
type boundSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (b *boundSession) destroy() {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
}

// Server runs the detector with a fixed pool of ONNX sessions. Each request
// checks out one session, so concurrent requests never share bound tensors.
type Server struct {
	Metadata Metadata

	pool     chan *boundSession
	sessions []*boundSession
	logger   *logger.Logger
}

// NewServer loads the model into cfg.PoolSize sessions.
func NewServer(cfg SessionConfig, metadata Metadata, log *logger.Logger) (*Server, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}

	s := &Server{
		Metadata: metadata,
		pool:     make(chan *boundSession, cfg.PoolSize),
		logger:   log,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		b, err := newBoundSession(cfg, metadata)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create model session %d: %w", i, err)
		}
		s.sessions = append(s.sessions, b)
		s.pool <- b
	}

	log.Info("Model loaded",
		"path", cfg.ModelPath,
		"sessions", cfg.PoolSize,
		"input", metadata.InputName,
		"input_shape", metadata.InputShape,
		"output", metadata.OutputName,
		"output_shape", metadata.OutputShape,
	)
	return s, nil
}

func newBoundSession(cfg SessionConfig, metadata Metadata) (*boundSession, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &boundSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Invoke runs one inference. It waits for a free session until ctx is done;
// once started, a run completes even if ctx expires.
func (s *Server) Invoke(ctx context.Context, in pipeline.Tensor) (pipeline.Tensor, error) {
	if want := elements(s.Metadata.InputShape); int64(len(in.Data)) != want {
		return pipeline.Tensor{}, fmt.Errorf("%w: model expects %d input values, got %d", pipeline.ErrPacking, want, len(in.Data))
	}

	var b *boundSession
	select {
	case b = <-s.pool:
	case <-ctx.Done():
		return pipeline.Tensor{}, fmt.Errorf("waiting for a model session: %w", ctx.Err())
	}
	defer func() { s.pool <- b }()

	copy(b.inputTensor.GetData(), in.Data)

	if err := b.session.Run(); err != nil {
		return pipeline.Tensor{}, fmt.Errorf("inference failed: %w", err)
	}

	raw := b.outputTensor.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)

	return pipeline.Tensor{
		Name:  s.Metadata.OutputName,
		Shape: append([]int64(nil), s.Metadata.OutputShape...),
		Data:  out,
	}, nil
}

// Close releases every session and the ONNX environment.
func (s *Server) Close() {
	for _, b := range s.sessions {
		b.destroy()
	}
	s.sessions = nil
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}
