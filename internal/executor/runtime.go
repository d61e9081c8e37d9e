// Package executor defines the boundary between the dispatcher and whatever
// actually runs an agent execution.
package executor

import "context"

// Invocation is everything a runtime needs to start one execution.
// Action is the opaque JSON document stored with the queue entry.
// AgentSessionID, when set, asks the runtime to resume an earlier agent
// conversation instead of starting a fresh one.
type Invocation struct {
	EntryID        string
	SessionID      string
	ExecutorType   string
	Action         string
	AgentSessionID string
}

// Result is the terminal outcome of one execution. Err is nil on success.
// AgentSessionID is the agent conversation the execution ran under, if the
// runtime reported one.
type Result struct {
	Err            error
	AgentSessionID string
}

// Handle tracks one running execution.
//
// Done delivers exactly one Result and is closed afterwards. AgentSessionID
// returns the best currently-known agent session id (may become non-empty
// only after the execution has made progress). Stop requests termination and
// blocks until the execution has actually stopped or ctx expires; after a
// successful Stop the Result has been delivered.
type Handle interface {
	Done() <-chan Result
	AgentSessionID() string
	Stop(ctx context.Context) error
}

// Runtime starts executions. Implementations must be safe for concurrent use.
type Runtime interface {
	Invoke(ctx context.Context, inv Invocation) (Handle, error)
}
