package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig holds configuration for the local sentence-transformer backend.
type ONNXConfig struct {
	ModelPath   string // exported all-MiniLM-L6-v2 model.onnx
	VocabPath   string // matching vocab.txt
	LibraryPath string // onnxruntime shared library, empty uses the default search path
	SeqLen      int    // fixed input length (default: 128)
	Dimension   int    // hidden size (default: 384)
}

// ONNXBackend runs a BERT-style encoder locally and mean-pools the token states.
// The onnxruntime session is bound to fixed tensors, so calls are serialized.
type ONNXBackend struct {
	config ONNXConfig
	logger *slog.Logger

	mu        sync.Mutex
	tokenizer *WordPiece
	session   *ort.AdvancedSession
	inputIDs  *ort.Tensor[int64]
	mask      *ort.Tensor[int64]
	typeIDs   *ort.Tensor[int64]
	output    *ort.Tensor[float32]
}

// NewONNXBackend loads the vocabulary and model and prepares a session.
func NewONNXBackend(cfg ONNXConfig, logger *slog.Logger) (*ONNXBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SeqLen <= 0 {
		cfg.SeqLen = 128
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}

	tokenizer, err := LoadWordPiece(cfg.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b := &ONNXBackend{
		config:    cfg,
		logger:    logger.With("component", "embedder.onnx"),
		tokenizer: tokenizer,
	}
	if err := b.init(); err != nil {
		b.destroy()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return b, nil
}

func (b *ONNXBackend) init() error {
	if b.config.LibraryPath != "" {
		ort.SetSharedLibraryPath(b.config.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx init environment: %w", err)
		}
	}

	inputShape := ort.NewShape(1, int64(b.config.SeqLen))
	var err error
	if b.inputIDs, err = ort.NewTensor(inputShape, make([]int64, b.config.SeqLen)); err != nil {
		return fmt.Errorf("onnx new input_ids tensor: %w", err)
	}
	if b.mask, err = ort.NewTensor(inputShape, make([]int64, b.config.SeqLen)); err != nil {
		return fmt.Errorf("onnx new attention_mask tensor: %w", err)
	}
	if b.typeIDs, err = ort.NewTensor(inputShape, make([]int64, b.config.SeqLen)); err != nil {
		return fmt.Errorf("onnx new token_type_ids tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(b.config.SeqLen), int64(b.config.Dimension))
	if b.output, err = ort.NewEmptyTensor[float32](outputShape); err != nil {
		return fmt.Errorf("onnx new output tensor: %w", err)
	}

	b.session, err = ort.NewAdvancedSession(b.config.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		[]ort.Value{b.inputIDs, b.mask, b.typeIDs},
		[]ort.Value{b.output},
		nil,
	)
	if err != nil {
		return fmt.Errorf("onnx new session: %w", err)
	}

	b.logger.Info("onnx session ready",
		"model", b.config.ModelPath,
		"seq_len", b.config.SeqLen,
		"dimension", b.config.Dimension,
	)
	return nil
}

// Embed tokenizes text, runs the encoder, and mean-pools over attended tokens.
func (b *ONNXBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask := b.tokenizer.Encode(text, b.config.SeqLen)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, fmt.Errorf("%w: onnx session closed", ErrBackendUnavailable)
	}

	copy(b.inputIDs.GetData(), ids)
	copy(b.mask.GetData(), mask)
	clear(b.typeIDs.GetData())

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	return meanPool(b.output.GetData(), mask, b.config.Dimension), nil
}

// meanPool averages token states whose mask is set.
func meanPool(states []float32, mask []int64, dim int) []float32 {
	out := make([]float32, dim)
	var count float32
	for t, m := range mask {
		if m == 0 {
			continue
		}
		row := states[t*dim : (t+1)*dim]
		for i, v := range row {
			out[i] += v
		}
		count++
	}
	if count > 0 {
		for i := range out {
			out[i] /= count
		}
	}
	return out
}

// Dimension returns the hidden size.
func (b *ONNXBackend) Dimension() int { return b.config.Dimension }

// Name returns the backend name.
func (b *ONNXBackend) Name() string { return "onnx/all-MiniLM-L6-v2" }

// Close destroys the session and tensors.
func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroy()
	return nil
}

func (b *ONNXBackend) destroy() {
	if b.session != nil {
		_ = b.session.Destroy()
		b.session = nil
	}
	for _, t := range []*ort.Tensor[int64]{b.inputIDs, b.mask, b.typeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if b.output != nil {
		_ = b.output.Destroy()
	}
	b.inputIDs, b.mask, b.typeIDs, b.output = nil, nil, nil, nil
}
