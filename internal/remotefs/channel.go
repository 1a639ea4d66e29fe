package remotefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPort is the fixed port the sandbox unit serves its API on.
const DefaultPort = 8888

// HTTPChannel talks to the HTTP API exposed inside a sandbox unit.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger
}

type ChannelOption func(*HTTPChannel)

func WithHTTPClient(c *http.Client) ChannelOption {
	return func(ch *HTTPChannel) { ch.client = c }
}

func WithDefaultTimeout(d time.Duration) ChannelOption {
	return func(ch *HTTPChannel) { ch.timeout = d }
}

func WithChannelLogger(l *zap.Logger) ChannelOption {
	return func(ch *HTTPChannel) { ch.log = l }
}

func NewHTTPChannel(baseURL string, opts ...ChannelOption) *HTTPChannel {
	ch := &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: DefaultCommandTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// EndpointURL builds the base URL for a unit at address.
func EndpointURL(address string) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(address, fmt.Sprint(DefaultPort)))
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute runs a raw shell line on the unit. Deadline and non-2xx responses
// become results; only an unreachable unit or a cancelled ctx is an error.
func (c *HTTPChannel) Execute(ctx context.Context, line string, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{Command: line})
	if err != nil {
		return CommandResult{}, err
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return CommandResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportResult(ctx, callCtx, timeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportResult(ctx, callCtx, timeout, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CommandResult{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("execute returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}, nil
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return CommandResult{ExitCode: -1, Stderr: fmt.Sprintf("invalid execute response: %v", err)}, nil
	}
	return CommandResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

func (c *HTTPChannel) transportResult(parent, callCtx context.Context, timeout time.Duration, err error) (CommandResult, error) {
	if parent.Err() != nil {
		return CommandResult{}, parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		c.log.Debug("command timed out", zap.Duration("timeout", timeout))
		return CommandResult{
			ExitCode: timeoutExitCode,
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
			TimedOut: true,
		}, nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CommandResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return CommandResult{ExitCode: -1, Stderr: err.Error()}, nil
}

// Upload sends data to the unit's multipart upload endpoint.
func (c *HTTPChannel) Upload(ctx context.Context, path string, data []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", path); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", lastSegment(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError("upload", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return &FSError{Op: "upload", Path: path, Code: classifyStderr(string(msg)), Detail: strings.TrimSpace(string(msg))}
	}
	return nil
}

// Download fetches a file from the unit.
func (c *HTTPChannel) Download(ctx context.Context, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/download"+escapePath(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError("download", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FSError{Op: "download", Path: path, Code: ENOENT}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &FSError{Op: "download", Path: path, Code: classifyStderr(string(data)), Detail: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *HTTPChannel) transportError(op, path string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%s %s: %w: %v", op, path, ErrUnreachable, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

func escapePath(p string) string {
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segs, "/")
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ExecuteCommand quotes args, prefixes a cd into opts.Cwd and runs the line.
func (c *HTTPChannel) ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error) {
	return c.Execute(ctx, CommandLine(command, args, opts.Cwd), opts.Timeout)
}
