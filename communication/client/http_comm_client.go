// Package client reaches workers served by package server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"openbt/communication"
	"openbt/meta"

	"golang.org/x/sync/errgroup"
)

// ClientCommunicator talks to one worker.
type ClientCommunicator struct {
	serverURL string
	http      *http.Client
}

// NewClientCommunicator initializes and returns a new ClientCommunicator.
func NewClientCommunicator(serverURL string, timeout time.Duration) *ClientCommunicator {
	return &ClientCommunicator{
		serverURL: strings.TrimRight(serverURL, "/"),
		http:      &http.Client{Timeout: timeout},
	}
}

func (cc *ClientCommunicator) URL() string {
	return cc.serverURL
}

func (cc *ClientCommunicator) Handle(ctx context.Context, req communication.Request) (communication.Response, error) {
	var resp communication.Response
	err := cc.post(ctx, "/request", req, &resp)
	return resp, err
}

func (cc *ClientCommunicator) Commit(ctx context.Context, d communication.Decision) (communication.Ack, error) {
	var ack communication.Ack
	err := cc.post(ctx, "/decision", d, &ack)
	return ack, err
}

// Ping reports whether the worker is serving the same version as this process.
func (cc *ClientCommunicator) Ping(ctx context.Context) (communication.Health, error) {
	var health communication.Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cc.serverURL+"/health", nil)
	if err != nil {
		return health, err
	}
	resp, err := cc.http.Do(req)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("%w: %s answered health check with %d", communication.ErrProtocol, cc.serverURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("%w: health check from %s: %w", communication.ErrProtocol, cc.serverURL, err)
	}
	if health.Version != meta.Version {
		return health, fmt.Errorf("%w: %s runs version %s, want %s", communication.ErrProtocol, cc.serverURL, health.Version, meta.Version)
	}
	return health, nil
}

func (cc *ClientCommunicator) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cc.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", communication.ErrProtocol, cc.serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &failure) != nil || failure.Error == "" {
			failure.Error = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusPreconditionFailed {
			return fmt.Errorf("%w: %w: %s%s: %s", communication.ErrProtocol, communication.ErrShardMismatch, cc.serverURL, path, failure.Error)
		}
		return fmt.Errorf("%w: %s%s answered %d: %s", communication.ErrProtocol, cc.serverURL, path, resp.StatusCode, failure.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s%s: %w", communication.ErrProtocol, cc.serverURL, path, err)
	}
	return nil
}

// Cluster broadcasts to a fixed list of workers, rank i+1 at index i, and waits for all.
type Cluster struct {
	workers []*ClientCommunicator
}

func NewCluster(workers []*ClientCommunicator) *Cluster {
	return &Cluster{workers: workers}
}

func (c *Cluster) Size() int {
	return len(c.workers)
}

func (c *Cluster) Broadcast(ctx context.Context, req communication.Request) ([]communication.Response, error) {
	out := make([]communication.Response, len(c.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error {
			resp, err := w.Handle(ctx, req)
			out[i] = resp
			return err
		})
	}
	return out, g.Wait()
}

func (c *Cluster) Commit(ctx context.Context, d communication.Decision) ([]communication.Ack, error) {
	out := make([]communication.Ack, len(c.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error {
			ack, err := w.Commit(ctx, d)
			out[i] = ack
			return err
		})
	}
	return out, g.Wait()
}

// Abort tells every worker the run is over and waits for all of them, whatever the others
// answer.
func (c *Cluster) Abort(ctx context.Context, reason string) error {
	req := communication.Request{Kind: communication.Abort, Tree: -1, Reason: reason}
	errs := make([]error, len(c.workers))
	var g errgroup.Group
	for i, w := range c.workers {
		g.Go(func() error {
			_, errs[i] = w.Handle(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Ping checks every worker once. Worker i must report rank i+1.
func (c *Cluster) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error {
			health, err := w.Ping(ctx)
			if err != nil {
				return err
			}
			if health.Rank != i+1 {
				return fmt.Errorf("%w: %s serves rank %d, listed as rank %d", communication.ErrShardMismatch, w.URL(), health.Rank, i+1)
			}
			return nil
		})
	}
	return g.Wait()
}
