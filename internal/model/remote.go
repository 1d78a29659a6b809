package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
)

// RemoteConfig configures a RemoteClient.
type RemoteConfig struct {
	BaseURL    string
	ModelName  string
	OutputName string
	Timeout    time.Duration
}

// RemoteClient runs inference on a model server speaking the KServe v2
// inference protocol (Triton, KServe, OpenVINO Model Server).
type RemoteClient struct {
	url        *url.URL
	modelName  string
	outputName string
	httpClient *http.Client
	logger     *logger.Logger
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []inferTensor     `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
}

// NewRemoteClient creates a client for the model named cfg.ModelName.
func NewRemoteClient(cfg RemoteConfig, log *logger.Logger) (*RemoteClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid inference url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid inference url: %q", cfg.BaseURL)
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &RemoteClient{
		url:        u,
		modelName:  cfg.ModelName,
		outputName: cfg.OutputName,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}, nil
}

// Invoke sends the tensor to the model server and returns the requested
// output, or the first one when no output name is configured.
func (c *RemoteClient) Invoke(ctx context.Context, in pipeline.Tensor) (pipeline.Tensor, error) {
	req := inferRequest{
		Inputs: []inferTensor{{
			Name:     in.Name,
			Shape:    in.Shape,
			Datatype: "FP32",
			Data:     in.Data,
		}},
	}
	if c.outputName != "" {
		req.Outputs = []requestedOutput{{Name: c.outputName}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return pipeline.Tensor{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.url.JoinPath("v2", "models", c.modelName, "infer").String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.Tensor{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending inference request", "url", endpoint, "bytes", len(body))
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return pipeline.Tensor{}, fmt.Errorf("%w: inference request: %v", pipeline.ErrTimeout, err)
		}
		return pipeline.Tensor{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return pipeline.Tensor{}, fmt.Errorf("%w: reading inference response: %v", pipeline.ErrTimeout, err)
		}
		return pipeline.Tensor{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return pipeline.Tensor{}, fmt.Errorf("inference server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var inferResp inferResponse
	if err := json.Unmarshal(respBody, &inferResp); err != nil {
		return pipeline.Tensor{}, fmt.Errorf("%w: failed to parse response: %v", pipeline.ErrMalformedOutput, err)
	}

	out, err := c.pickOutput(inferResp.Outputs)
	if err != nil {
		return pipeline.Tensor{}, err
	}

	c.logger.Debug("Inference response received",
		"model", inferResp.ModelName,
		"output", out.Name,
		"shape", out.Shape,
		"duration", time.Since(start),
	)

	return pipeline.Tensor{Name: out.Name, Shape: out.Shape, Data: out.Data}, nil
}

func (c *RemoteClient) pickOutput(outputs []inferTensor) (inferTensor, error) {
	if len(outputs) == 0 {
		return inferTensor{}, fmt.Errorf("%w: response has no outputs", pipeline.ErrMalformedOutput)
	}
	out := outputs[0]
	if c.outputName != "" {
		found := false
		for _, o := range outputs {
			if o.Name == c.outputName {
				out, found = o, true
				break
			}
		}
		if !found {
			return inferTensor{}, fmt.Errorf("%w: output %q not in response", pipeline.ErrMalformedOutput, c.outputName)
		}
	}
	if len(out.Shape) > 0 && elements(out.Shape) != int64(len(out.Data)) {
		return inferTensor{}, fmt.Errorf("%w: output shape %v does not match %d values", pipeline.ErrMalformedOutput, out.Shape, len(out.Data))
	}
	return out, nil
}

// CheckHealth asks the model server whether the model is ready.
func (c *RemoteClient) CheckHealth(ctx context.Context) error {
	endpoint := c.url.JoinPath("v2", "models", c.modelName, "ready").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model %s not ready: %d", c.modelName, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
