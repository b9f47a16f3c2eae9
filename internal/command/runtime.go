package command

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stateruntime/staterund/internal/policy"
)

// StateEntry is one key/value pair the runtime transition updated.
type StateEntry struct {
	Key   string
	Value string
}

// Runtime applies a decrypted command's runtime transition. It is the
// illustrative application layer exercising the command executor and
// dispatch table end-to-end; real command bodies are explicitly out of
// scope.
type Runtime struct {
	state map[string]string
}

// NewRuntime builds an empty in-memory key/value runtime.
func NewRuntime() *Runtime {
	return &Runtime{state: make(map[string]string)}
}

// Apply dispatches cmdName to the matching handler, returning the set of
// updated state entries.
func (r *Runtime) Apply(account policy.AccountID, cmdName string, params json.RawMessage) ([]StateEntry, error) {
	switch cmdName {
	case "set":
		return r.applySet(account, params)
	case "increment":
		return r.applyIncrement(account, params)
	case "transfer":
		return r.applyTransfer(params)
	default:
		return nil, fmt.Errorf("command: unknown cmd_name %q", cmdName)
	}
}

type setParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (r *Runtime) applySet(account policy.AccountID, raw json.RawMessage) ([]StateEntry, error) {
	var p setParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("command: decode set params: %w", err)
	}
	key := accountKey(account, p.Key)
	r.state[key] = p.Value
	return []StateEntry{{Key: key, Value: p.Value}}, nil
}

type incrementParams struct {
	Key string `json:"key"`
	By  int64  `json:"by"`
}

func (r *Runtime) applyIncrement(account policy.AccountID, raw json.RawMessage) ([]StateEntry, error) {
	var p incrementParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("command: decode increment params: %w", err)
	}
	key := accountKey(account, p.Key)
	cur, _ := strconv.ParseInt(r.state[key], 10, 64)
	next := cur + p.By
	val := strconv.FormatInt(next, 10)
	r.state[key] = val
	return []StateEntry{{Key: key, Value: val}}, nil
}

type transferParams struct {
	FromKey string `json:"from_key"`
	ToKey   string `json:"to_key"`
	Amount  int64  `json:"amount"`
}

func (r *Runtime) applyTransfer(raw json.RawMessage) ([]StateEntry, error) {
	var p transferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("command: decode transfer params: %w", err)
	}
	from, _ := strconv.ParseInt(r.state[p.FromKey], 10, 64)
	to, _ := strconv.ParseInt(r.state[p.ToKey], 10, 64)
	if from < p.Amount {
		return nil, fmt.Errorf("command: insufficient balance at %q", p.FromKey)
	}
	from -= p.Amount
	to += p.Amount

	fromVal := strconv.FormatInt(from, 10)
	toVal := strconv.FormatInt(to, 10)
	r.state[p.FromKey] = fromVal
	r.state[p.ToKey] = toVal
	return []StateEntry{
		{Key: p.FromKey, Value: fromVal},
		{Key: p.ToKey, Value: toVal},
	}, nil
}

// Get returns the current value at key, for diagnostics and tests.
func (r *Runtime) Get(key string) (string, bool) {
	v, ok := r.state[key]
	return v, ok
}

func accountKey(account policy.AccountID, key string) string {
	return fmt.Sprintf("%x:%s", account, key)
}
