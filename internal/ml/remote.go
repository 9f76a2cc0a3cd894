package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteRequest is the body POSTed to a remote inference server.
type RemoteRequest struct {
	Input []float32 `json:"input"`
	Shape []int     `json:"shape"`
}

// RemoteResponse is what the server returns for one window.
type RemoteResponse struct {
	Probabilities []float32 `json:"probabilities"`
	Version       string    `json:"version,omitempty"`
	Labels        []string  `json:"labels,omitempty"`
	Error         string    `json:"error,omitempty"`
}

var errUnreachable = errors.New("inference server unreachable")

type remoteBackend struct {
	url   string
	shape []int
	rest  *resty.Client
}

func loadRemote(url string, opts LoadOptions) (backend, ModelInfo, error) {
	r := resty.New()
	if opts.Timeout > 0 {
		r.SetTimeout(opts.Timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}

	b := &remoteBackend{
		url:   url,
		shape: []int{1, opts.WindowSize, opts.NChannels, 1},
		rest:  r,
	}

	trial, err := b.call(context.Background(), make([]float32, opts.WindowSize*opts.NChannels))
	if errors.Is(err, errUnreachable) {
		return nil, ModelInfo{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}

	return b, ModelInfo{
		Kind:    KindRemote,
		Classes: len(trial.Probabilities),
		Labels:  trial.Labels,
		Version: trial.Version,
	}, nil
}

func (b *remoteBackend) call(ctx context.Context, input []float32) (*RemoteResponse, error) {
	out := &RemoteResponse{}
	resp, err := b.rest.R().
		SetContext(ctx).
		SetBody(RemoteRequest{Input: input, Shape: b.shape}).
		SetResult(out).
		SetError(out).
		Post(b.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	if resp.IsError() {
		if out.Error != "" {
			return nil, fmt.Errorf("inference server: %d %s", resp.StatusCode(), out.Error)
		}
		return nil, fmt.Errorf("inference server: status %d", resp.StatusCode())
	}
	if out.Error != "" {
		return nil, fmt.Errorf("inference server: %s", out.Error)
	}
	if len(out.Probabilities) == 0 {
		return nil, errors.New("inference server: empty probabilities")
	}
	return out, nil
}

func (b *remoteBackend) infer(ctx context.Context, input []float32) ([]float32, error) {
	resp, err := b.call(ctx, input)
	if err != nil {
		return nil, err
	}
	return resp.Probabilities, nil
}

func (b *remoteBackend) close() error { return nil }
