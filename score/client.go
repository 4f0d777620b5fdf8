// Package score abstracts the smart-contract execution service a channel
// delegates transaction invocation to. The service itself is an external
// collaborator (spec §1 scopes its internals out); this package only
// defines the boundary BlockManager calls through and a local stand-in
// for tests and controlled deployments that have no real score service.
package score

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/loopnode/errs"
)

// InvokeResult is the outcome of executing one transaction against a
// score (smart contract). Invoke outcomes are persisted as
// blockstore.InvokeResult via blockstore.Store.PutInvokeResult, not as this type.
type InvokeResult struct {
	TxHash  string
	Success bool
	Result  json.RawMessage
	Error   string
}

// Client is the capability BlockManager invokes a channel's configured
// score through. ScoreID/ScoreVersion on chain.Transaction select which
// contract handles a given invoke.
type Client interface {
	// Invoke executes tx's Data against the named score and returns its
	// result. Called once per confirmed transaction, in block order.
	Invoke(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error)
	// Query performs a read-only call against the score, outside of any
	// block (spec §6 Query method).
	Query(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error)
	// Close releases any resources (connection, subprocess) the client holds.
	Close() error
}

// NullClient rejects every invocation with ErrScoreUnavailable. Used by a
// channel that has not been configured with a score endpoint yet, so
// BlockManager always has a non-nil Client to call through.
type NullClient struct{}

func (NullClient) Invoke(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("score: invoke %s/%s: %w", scoreID, scoreVersion, errs.ErrScoreUnavailable)
}

func (NullClient) Query(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("score: query %s/%s: %w", scoreID, scoreVersion, errs.ErrScoreUnavailable)
}

func (NullClient) Close() error { return nil }

// EchoClient is a deterministic stand-in for integration tests and
// controlled test networks: it "executes" a transaction by echoing its
// input data back as the result, recording every call it received so
// tests can assert invocation order.
type EchoClient struct {
	mu    sync.Mutex
	calls []string
}

func NewEchoClient() *EchoClient { return &EchoClient{} }

func (c *EchoClient) Invoke(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, scoreID+"/"+scoreVersion)
	c.mu.Unlock()
	return data, nil
}

func (c *EchoClient) Query(ctx context.Context, scoreID, scoreVersion string, data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func (c *EchoClient) Close() error { return nil }

// Calls returns the scoreID/scoreVersion pairs seen so far, in order.
func (c *EchoClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}
