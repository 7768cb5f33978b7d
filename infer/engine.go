// Package infer hosts the inference engine: one model loaded at startup,
// synchronous predictions serialized behind an internal lock. It is not on
// the request hot path.
package infer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Model files are a dense-layer dump: magic, row count, column count, then
// rows*cols float32 weights and rows float32 biases, all little endian.
const modelMagic = 0x4e57534d // "NWSM"

// Engine evaluates a single dense layer. All calls are serialized by an
// internal mutex; concurrent Predict calls never interleave.
type Engine struct {
	mu      sync.Mutex
	weights []float32 // rows*cols, row-major
	bias    []float32
	rows    int
	cols    int
	loaded  bool
	log     zerolog.Logger
}

// New creates an unloaded engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// LoadModel reads the weights file. Meant to run once at startup; a failure
// is fatal to process start when a model is configured.
func (e *Engine) LoadModel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("infer: read model: %w", err)
	}
	if len(data) < 12 {
		return errors.New("infer: model file truncated")
	}
	if binary.LittleEndian.Uint32(data) != modelMagic {
		return errors.New("infer: bad model magic")
	}
	rows := int(binary.LittleEndian.Uint32(data[4:]))
	cols := int(binary.LittleEndian.Uint32(data[8:]))
	if rows <= 0 || cols <= 0 {
		return errors.New("infer: bad model dimensions")
	}
	want := 12 + 4*(rows*cols+rows)
	if len(data) != want {
		return fmt.Errorf("infer: model size mismatch: have %d want %d", len(data), want)
	}

	weights := make([]float32, rows*cols)
	for i := range weights {
		weights[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[12+4*i:]))
	}
	bias := make([]float32, rows)
	off := 12 + 4*rows*cols
	for i := range bias {
		bias[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
	}

	e.mu.Lock()
	e.weights = weights
	e.bias = bias
	e.rows = rows
	e.cols = cols
	e.loaded = true
	e.mu.Unlock()

	e.log.Info().Str("path", path).Int("rows", rows).Int("cols", cols).Msg("model loaded")
	return nil
}

// Predict runs the forward pass. It returns nil when the model is not
// loaded or the input dimension does not match.
func (e *Engine) Predict(input []float32) []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		e.log.Warn().Msg("predict before model load")
		return nil
	}
	if len(input) != e.cols {
		e.log.Warn().Int("have", len(input)).Int("want", e.cols).Msg("input dimension mismatch")
		return nil
	}

	out := make([]float32, e.rows)
	for r := 0; r < e.rows; r++ {
		sum := e.bias[r]
		row := e.weights[r*e.cols : (r+1)*e.cols]
		for c, w := range row {
			sum += w * input[c]
		}
		out[r] = sum
	}
	return out
}

// Loaded reports whether a model is resident.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}
