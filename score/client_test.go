package score

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tolelom/loopnode/errs"
)

func TestNullClientUnavailable(t *testing.T) {
	var c NullClient
	_, err := c.Invoke(context.Background(), "s1", "v1", json.RawMessage(`{}`))
	if !errors.Is(err, errs.ErrScoreUnavailable) {
		t.Fatalf("expected ErrScoreUnavailable, got %v", err)
	}
}

func TestEchoClientRecordsCalls(t *testing.T) {
	c := NewEchoClient()
	in := json.RawMessage(`{"x":1}`)
	out, err := c.Invoke(context.Background(), "s1", "v1", in)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("expected echo, got %s", out)
	}
	if calls := c.Calls(); len(calls) != 1 || calls[0] != "s1/v1" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}
