package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultONNXTimeout = 5 * time.Second

type onnxRequest struct {
	Input []float32 `json:"input"`
	Shape []int     `json:"shape"`
}

type onnxResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error,omitempty"`
}

// onnxBackend runs each forward pass in a Python onnxruntime subprocess.
type onnxBackend struct {
	modelPath  string
	pythonPath string
	scriptPath string
	shape      []int
	timeout    time.Duration
}

func loadONNX(path string, opts LoadOptions) (backend, ModelInfo, error) {
	modTime, err := statArtifact(path)
	if err != nil {
		return nil, ModelInfo{}, err
	}

	info := ModelInfo{Kind: KindONNX, ModifiedAt: modTime}
	md, err := LoadModelMetadata(path)
	if err != nil {
		log.Warn().Err(err).Str("model_path", path).Msg("No model metadata, input shape taken from configuration")
	} else {
		if err := checkInputShape(md.InputShape, opts); err != nil {
			return nil, ModelInfo{}, err
		}
		info.Version = md.Version
		info.Labels = md.Labels
		info.Classes = md.Classes()
	}

	pythonPath, err := findPython()
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	scriptPath, err := inferenceScript(path)
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultONNXTimeout
	}

	b := &onnxBackend{
		modelPath:  path,
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		shape:      []int{1, opts.WindowSize, opts.NChannels, 1},
		timeout:    timeout,
	}

	// run a zero window so a broken model fails at load, not mid-session
	trial, err := b.infer(context.Background(), make([]float32, opts.WindowSize*opts.NChannels))
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("%w: trial inference: %v", ErrIncompatible, err)
	}
	if info.Classes == 0 {
		info.Classes = len(trial)
	} else if len(trial) != info.Classes {
		return nil, ModelInfo{}, fmt.Errorf("%w: model returned %d classes, metadata says %d", ErrIncompatible, len(trial), info.Classes)
	}

	return b, info, nil
}

// inferenceScript prefers a standalone onnx_inference.py next to the model or
// in ../scripts, and writes the embedded one otherwise.
func inferenceScript(modelPath string) (string, error) {
	scriptDir := filepath.Dir(modelPath)
	candidates := []string{
		filepath.Join(scriptDir, "onnx_inference.py"),
		filepath.Join(filepath.Dir(scriptDir), "scripts", "onnx_inference.py"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	scriptPath := filepath.Join(scriptDir, "onnx_inference_embedded.py")
	if err := os.WriteFile(scriptPath, []byte(embeddedInferenceScript), 0755); err != nil {
		return "", fmt.Errorf("write inference script: %w", err)
	}
	return scriptPath, nil
}

func (b *onnxBackend) infer(ctx context.Context, input []float32) ([]float32, error) {
	reqJSON, err := json.Marshal(onnxRequest{Input: input, Shape: b.shape})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.pythonPath, b.scriptPath, b.modelPath)
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("python_path", b.pythonPath).
			Str("script_path", b.scriptPath).
			Str("model_path", b.modelPath).
			Str("stderr", stderr.String()).
			Str("stdout", stdout.String()).
			Dur("timeout", b.timeout).
			Bool("context_cancelled", ctx.Err() != nil).
			Msg("Python inference execution failed")

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("inference timeout after %v: %w", b.timeout, ctx.Err())
		}
		// the script reports its own failures as JSON on stdout
		if msg := decodeScriptError(stdout.Bytes()); msg != "" {
			return nil, fmt.Errorf("python inference error: %s", msg)
		}
		return nil, fmt.Errorf("python inference failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp onnxResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w, stdout: %s", err, stdout.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("python inference error: %s", resp.Error)
	}

	out := make([]float32, len(resp.Probabilities))
	for i, p := range resp.Probabilities {
		if p < 0 || p > 1 || p != p {
			return nil, fmt.Errorf("invalid probability %d: %f", i, p)
		}
		out[i] = float32(p)
	}
	return out, nil
}

func (b *onnxBackend) close() error { return nil }

func decodeScriptError(stdout []byte) string {
	var resp onnxResponse
	if json.Unmarshal(stdout, &resp) != nil {
		return ""
	}
	return resp.Error
}

const pythonProbe = "import sys, onnxruntime; print('Python', sys.version)"

func findPython() (string, error) {
	var candidates []string

	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates = append(candidates,
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		)
	}

	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, root := range []string{execDir, filepath.Dir(execDir)} {
			candidates = append(candidates,
				filepath.Join(root, "venv", "bin", "python3"),
				filepath.Join(root, ".venv", "bin", "python3"),
			)
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil && hasOnnxRuntime(c) {
			log.Info().Str("python_path", c).Msg("Using virtual environment Python")
			return c, nil
		}
	}

	for _, name := range []string{"python3", "python"} {
		path, err := exec.LookPath(name)
		if err == nil && hasOnnxRuntime(path) {
			log.Info().Str("python_path", path).Msg("Using system Python")
			return path, nil
		}
	}

	return "", errors.New("no Python 3 with onnxruntime found")
}

func hasOnnxRuntime(python string) bool {
	out, err := exec.Command(python, "-c", pythonProbe).Output()
	return err == nil && strings.Contains(string(out), "Python 3")
}

const embeddedInferenceScript = `#!/usr/bin/env python3
"""ONNX gesture classifier inference (embedded)."""
import sys
import json
import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)


def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: onnx_inference.py <model_path>"}))
        sys.exit(1)

    try:
        request = json.load(sys.stdin)
        x = np.asarray(request["input"], dtype=np.float32).reshape(request["shape"])

        session = ort.InferenceSession(sys.argv[1])
        input_meta = session.get_inputs()[0]
        expected = [d if isinstance(d, int) else None for d in input_meta.shape]
        if len(expected) == 3 and x.ndim == 4:
            x = x.reshape(x.shape[:3])

        out = session.run(None, {input_meta.name: x})[-1]
        probs = np.asarray(out, dtype=np.float64).reshape(-1)

        total = float(probs.sum())
        if total <= 0 or abs(total - 1.0) > 0.01:
            e = np.exp(probs - probs.max())
            probs = e / e.sum()

        print(json.dumps({"probabilities": probs.tolist()}))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`
