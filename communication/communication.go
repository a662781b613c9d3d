// Package communication holds the typed coordinator/worker protocol: one Request per move
// exchange, a Response from every worker, the coordinator's Decision and the workers' Acks.
package communication

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProtocol aborts the run: a response was missing, malformed or out of sequence.
	ErrProtocol = errors.New("protocol violation")

	// ErrShardMismatch aborts the run: a worker's data or layout disagrees with the coordinator.
	ErrShardMismatch = errors.New("shard mismatch")

	// ErrAborted is reported by a worker whose coordinator gave up on the run.
	ErrAborted = errors.New("run aborted")
)

// Kind names the exchange a Request belongs to.
type Kind int

const (
	Hello Kind = iota
	Birth
	Death
	Perturb
	ChangeVariable
	Rotate
	RandomPathBirth
	RandomPathDeath
	Shuffle
	Gamma
	DrawTheta
	EndSweep
	Abort
	Kinds // number of kinds
)

var kindNames = [Kinds]string{
	"hello", "birth", "death", "perturb", "change_variable", "rotate",
	"random_path_birth", "random_path_death", "shuffle", "gamma", "draw_theta", "end_sweep",
	"abort",
}

func (k Kind) String() string {
	if k < 0 || k >= Kinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || k >= Kinds {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrProtocol, int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown kind %q", ErrProtocol, text)
}

// Moves are the kinds that propose a change to a tree.
var Moves = []Kind{Birth, Death, Perturb, ChangeVariable, Rotate, RandomPathBirth, RandomPathDeath, Shuffle, Gamma}

// Health is what a worker answers on its health check.
type Health struct {
	Rank    int    `json:"rank"`
	Version string `json:"version"`
}

// Handshake is exchanged once before the first sweep. It carries the run layout every
// worker must agree with and the settings workers need to mirror the coordinator.
type Handshake struct {
	RunID      string  `json:"run_id"`
	Workers    int     `json:"workers"`
	Trees      int     `json:"trees"`
	Vars       int     `json:"vars"`
	SubModels  int     `json:"sub_models"`
	Seed       uint64  `json:"seed"`
	RandomPath bool    `json:"random_path"`
	Gamma      float64 `json:"gamma,omitempty"`
	WeightStep float64 `json:"weight_step"`
}

// Request carries the identifying parameters of a candidate. Node is a heap position.
type Request struct {
	Seq   uint64     `json:"seq"`
	Kind  Kind       `json:"kind"`
	Tree  int        `json:"tree"`
	Node  uint64     `json:"node,omitempty"`
	Var   int        `json:"var"`
	Cut   int        `json:"cut"`
	Gamma float64    `json:"gamma,omitempty"`
	Hello *Handshake `json:"hello,omitempty"`

	Reason string `json:"reason,omitempty"` // abort only
}

// Response is one worker's contribution: packed statistics only, never rows.
type Response struct {
	Seq    uint64      `json:"seq"`
	Rank   int         `json:"rank"`
	Kind   Kind        `json:"kind"`
	Stats  [][]float64 `json:"stats,omitempty"`
	SumLog []float64   `json:"sum_log,omitempty"`
	Rows   int         `json:"rows"`
	Vars   int         `json:"vars,omitempty"`
	Stream uint64      `json:"stream,omitempty"`
	SSE    float64     `json:"sse,omitempty"`
}

// Decision is the coordinator's verdict on a Request, applied identically by every worker.
type Decision struct {
	Seq    uint64      `json:"seq"`
	Kind   Kind        `json:"kind"`
	Tree   int         `json:"tree"`
	Accept bool        `json:"accept"`
	Theta  [][]float64 `json:"theta,omitempty"`
}

// Ack confirms a Decision. The owner of a proposal weight row returns its update.
type Ack struct {
	Seq  uint64    `json:"seq"`
	Rank int       `json:"rank"`
	Var  int       `json:"var"`
	Row  []float64 `json:"row,omitempty"`
}

// Handler is the worker side of the protocol.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
	Commit(ctx context.Context, d Decision) (Ack, error)
}

// Cluster is the coordinator's view of its workers. Both calls block until every worker
// answered and return the answers in rank order.
type Cluster interface {
	Size() int
	Broadcast(ctx context.Context, req Request) ([]Response, error)
	Commit(ctx context.Context, d Decision) ([]Ack, error)
}

// Aborter is implemented by clusters that deliver an Abort to every worker independently,
// so that one unreachable worker does not keep the others from hearing it.
type Aborter interface {
	Abort(ctx context.Context, reason string) error
}

// CheckResponses validates a full round of responses to req.
func CheckResponses(req Request, responses []Response, workers, slots int) error {
	if len(responses) != workers {
		return fmt.Errorf("%w: %d responses from %d workers to %s %d", ErrProtocol, len(responses), workers, req.Kind, req.Seq)
	}
	for i, r := range responses {
		if r.Seq != req.Seq || r.Kind != req.Kind || r.Rank != i+1 {
			return fmt.Errorf("%w: rank %d answered %s %d from rank %d to %s %d", ErrProtocol, i+1, r.Kind, r.Seq, r.Rank, req.Kind, req.Seq)
		}
		if slots >= 0 && len(r.Stats) != slots {
			return fmt.Errorf("%w: rank %d sent %d statistics for %s, want %d", ErrProtocol, r.Rank, len(r.Stats), req.Kind, slots)
		}
	}
	return nil
}

// CheckAcks validates a full round of acknowledgements to d.
func CheckAcks(d Decision, acks []Ack, workers int) error {
	if len(acks) != workers {
		return fmt.Errorf("%w: %d acks from %d workers to %s %d", ErrProtocol, len(acks), workers, d.Kind, d.Seq)
	}
	for i, a := range acks {
		if a.Seq != d.Seq || a.Rank != i+1 {
			return fmt.Errorf("%w: rank %d acked %d from rank %d, want %d", ErrProtocol, i+1, a.Seq, a.Rank, d.Seq)
		}
	}
	return nil
}
