package communication

import "fmt"

type WorkerState int

const (
	AwaitingInstruction WorkerState = iota
	Computing
	AwaitingDecision
	Idle
)

func (s WorkerState) String() string {
	switch s {
	case AwaitingInstruction:
		return "awaiting_instruction"
	case Computing:
		return "computing"
	case AwaitingDecision:
		return "awaiting_decision"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("worker_state(%d)", int(s))
	}
}

// WorkerMachine enforces the worker's side of one exchange:
// AwaitingInstruction → Computing → AwaitingDecision → Idle → AwaitingInstruction.
// It is not safe for concurrent use.
type WorkerMachine struct {
	state   WorkerState
	pending Request
	last    uint64
}

func (m *WorkerMachine) State() WorkerState {
	return m.state
}

// Pending is the request awaiting its decision.
func (m *WorkerMachine) Pending() Request {
	return m.pending
}

// Begin accepts a new instruction. Sequence numbers must increase.
func (m *WorkerMachine) Begin(req Request) error {
	if m.state == Idle {
		m.state = AwaitingInstruction
	}
	if m.state != AwaitingInstruction {
		return fmt.Errorf("%w: %s %d received while %s", ErrProtocol, req.Kind, req.Seq, m.state)
	}
	if req.Seq <= m.last && req.Kind != Hello {
		return fmt.Errorf("%w: sequence %d after %d", ErrProtocol, req.Seq, m.last)
	}
	m.pending = req
	m.last = req.Seq
	m.state = Computing
	return nil
}

// Computed marks the response as sent.
func (m *WorkerMachine) Computed() {
	m.state = AwaitingDecision
}

// Fail returns to AwaitingInstruction after a failed computation.
func (m *WorkerMachine) Fail() {
	m.state = AwaitingInstruction
}

// Reset drops any pending exchange and the sequence history, ready for a new handshake.
func (m *WorkerMachine) Reset() {
	*m = WorkerMachine{}
}

// Decide matches d against the pending request.
func (m *WorkerMachine) Decide(d Decision) (Request, error) {
	if m.state != AwaitingDecision {
		return Request{}, fmt.Errorf("%w: decision %d received while %s", ErrProtocol, d.Seq, m.state)
	}
	if d.Seq != m.pending.Seq || d.Kind != m.pending.Kind || d.Tree != m.pending.Tree {
		return Request{}, fmt.Errorf("%w: decision %s %d for pending %s %d", ErrProtocol, d.Kind, d.Seq, m.pending.Kind, m.pending.Seq)
	}
	m.state = Idle
	return m.pending, nil
}

type CoordinatorState int

const (
	Broadcasting CoordinatorState = iota
	Collecting
	Deciding
)

func (s CoordinatorState) String() string {
	switch s {
	case Broadcasting:
		return "broadcasting"
	case Collecting:
		return "collecting"
	case Deciding:
		return "deciding"
	default:
		return fmt.Sprintf("coordinator_state(%d)", int(s))
	}
}

// CoordinatorMachine enforces Broadcasting → Collecting → Deciding → Broadcasting and hands
// out sequence numbers.
type CoordinatorMachine struct {
	state CoordinatorState
	seq   uint64
}

func (m *CoordinatorMachine) State() CoordinatorState {
	return m.state
}

// Seq is the sequence number of the latest broadcast.
func (m *CoordinatorMachine) Seq() uint64 {
	return m.seq
}

// Broadcast stamps req with the next sequence number and moves to Collecting.
func (m *CoordinatorMachine) Broadcast(req Request) (Request, error) {
	if m.state != Broadcasting {
		return req, fmt.Errorf("%w: broadcast of %s while %s", ErrProtocol, req.Kind, m.state)
	}
	m.seq++
	req.Seq = m.seq
	m.state = Collecting
	return req, nil
}

// Collected moves to Deciding once every response arrived.
func (m *CoordinatorMachine) Collected() error {
	if m.state != Collecting {
		return fmt.Errorf("%w: responses collected while %s", ErrProtocol, m.state)
	}
	m.state = Deciding
	return nil
}

// Decided returns to Broadcasting once the decision is acknowledged.
func (m *CoordinatorMachine) Decided() error {
	if m.state != Deciding {
		return fmt.Errorf("%w: decision sent while %s", ErrProtocol, m.state)
	}
	m.state = Broadcasting
	return nil
}
