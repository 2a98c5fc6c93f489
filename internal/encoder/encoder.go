// Package encoder wraps an ONNX text-encoder session and a WordPiece
// tokenizer behind a single batch-shaped code path. It produces
// 384-dimension, mean-pooled, L2-normalized sentence vectors for an
// all-MiniLM-L6-v2-class model.
package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/openclaw/memento/internal/errs"
	"github.com/openclaw/memento/internal/vectorops"
)

const (
	// maxSeqLen is the effective maximum token length per input, per
	// spec.md §4.2 ("truncate to 256 tokens").
	maxSeqLen = 256
	// Dim is the output embedding dimension.
	Dim = vectorops.Dim
	// defaultBatchSize bounds a single ONNX inference call; larger
	// batches are chunked internally so callers never need to reason
	// about model-imposed batch limits (closes the teacher's batch-shape
	// bug — see package doc and Encode/EncodeBatch below).
	defaultBatchSize = 8
)

// Encoder wraps an ONNX session and its matching tokenizer. It is
// re-entrant: concurrent callers must serialize access (the embedder
// package above this one does so with a mutex) or keep a pool.
type Encoder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	batchSize int
	log       zerolog.Logger
}

// Options configures Encoder construction.
type Options struct {
	// ModelDir must contain model.onnx and tokenizer.json.
	ModelDir string
	// OrtLibPath is the path to onnxruntime's shared library; empty
	// uses the system default search path.
	OrtLibPath string
	// NumThreads controls intra-op parallelism; 0 = min(NumCPU, 4).
	NumThreads int
	Log        zerolog.Logger
}

// New loads the ONNX model and tokenizer described by opts.
func New(opts Options) (*Encoder, error) {
	modelPath := filepath.Join(opts.ModelDir, "model.onnx")
	tokenPath := filepath.Join(opts.ModelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("model not found at %s: %w", modelPath, err))
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingTokenizer, fmt.Errorf("tokenizer not found at %s: %w", tokenPath, err))
	}

	if opts.OrtLibPath != "" {
		ort.SetSharedLibraryPath(opts.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("init ort: %w", err))
	}

	numThreads := opts.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("session options: %w", err))
	}
	defer sessOpts.Destroy()

	if err := sessOpts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("set intra threads: %w", err))
	}
	// Keep inter-op parallelism at 1: this graph is a single linear
	// encoder stack, so spawning an inter-op thread pool only adds
	// scheduling overhead without exposing more parallel work.
	if err := sessOpts.SetInterOpNumThreads(1); err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("set inter threads: %w", err))
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessOpts)
	if err != nil {
		return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("create session: %w", err))
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, errs.NewEmbedding(errs.EmbeddingTokenizer, fmt.Errorf("load tokenizer: %w", err))
	}

	log := opts.Log
	log.Debug().Str("component", "encoder").Int("threads", numThreads).Msg("onnx session loaded")

	return &Encoder{
		session:   session,
		tokenizer: tk,
		batchSize: defaultBatchSize,
		log:       log,
	}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Encoder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Encode embeds a single text. It is defined in terms of EncodeBatch
// so singleton and batch calls always go through the same tokenize →
// pad → infer → pool path — the spec.md §4.2 requirement that closes
// the source's batch-shape bug, where the single-text path and the
// batch path built tensors differently and the batch path crashed.
func (e *Encoder) Encode(text string) ([]float32, error) {
	vecs, err := e.EncodeBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeBatch embeds texts and returns vectors in the same order as
// input. Batches larger than the internal bound are chunked
// transparently; this is the only inference code path in the package.
func (e *Encoder) EncodeBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.runBatch(texts[i:end])
		if err != nil {
			return nil, errs.NewEmbedding(errs.EmbeddingEncoder, fmt.Errorf("batch [%d:%d]: %w", i, end, err))
		}
		results = append(results, batch...)
	}
	return results, nil
}

// tokenized holds tokenization results for a single text.
type tokenized struct {
	ids  []int64
	mask []int64
}

// runBatch runs one ONNX inference call for up to batchSize texts.
func (e *Encoder) runBatch(texts []string) ([][]float32, error) {
	t0 := time.Now()
	batchSize := len(texts)

	all := make([]tokenized, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = tokenized{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen) // token_type_ids are always zero for a single-segment encoder
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		embeddings[i] = meanPool(hidden, all[i].mask, i, seqLen)
	}

	e.log.Debug().Str("component", "encoder").Int("batch", batchSize).
		Int("seq_len", maxLen).Dur("elapsed", time.Since(t0)).Msg("encode batch")
	return embeddings, nil
}

// meanPool averages the token-level hidden states of sequence i over
// its attention mask, then L2-normalizes the result — spec.md §4.2's
// "mean-pool with the attention mask → L2-normalise" step.
func meanPool(hidden []float32, mask []int64, i, seqLen int) []float32 {
	vec := make([]float32, Dim)
	base := i * seqLen * Dim
	var count float32
	for t := 0; t < seqLen; t++ {
		if t < len(mask) && mask[t] == 0 {
			continue
		}
		off := base + t*Dim
		for d := 0; d < Dim; d++ {
			vec[d] += hidden[off+d]
		}
		count++
	}
	if count == 0 {
		count = 1
	}
	inv := 1.0 / count
	for d := range vec {
		vec[d] *= inv
	}
	vectorops.NormalizeInPlace(vec)
	return vec
}
