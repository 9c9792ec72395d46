package nodes

import (
	"context"
	"encoding/json"

	"github.com/flowbase/core/internal/coreerr"
)

// parallelJoinConfig is the config body of a `parallel.join` node (spec
// §4.1): Mode selects all-must-complete vs first-to-complete. FailFast is
// decoded but nothing reads it: a failed branch goes through the engine's
// ordinary node-failure handling (retry, then run failure) whatever its value.
type parallelJoinConfig struct {
	Mode      string `json:"mode"`
	FailFast  bool   `json:"failFast,omitempty"`
}

// parallelJoinOutput merges every branch's step output under its node id,
// so downstream nodes can read any fanned-out branch's result by name.
type parallelJoinOutput struct {
	Branches map[string]json.RawMessage `json:"branches"`
}

// parallelJoinExecutor is always local and synchronous (spec §4.3). The
// barrier semantics themselves — waiting for the fan-out count under
// mode=all, or firing on first completion under mode=any and ignoring late
// siblings — are frontier-level bookkeeping the engine performs before ever
// calling this executor (spec §4.1: "the interpreter maintains a
// pre-computed fan-out-count"); by the time Execute runs, the engine has
// already determined the join is ready to fire and supplies every branch
// output it will ever give it in Steps.
type parallelJoinExecutor struct{}

func (parallelJoinExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	var cfg parallelJoinConfig
	if len(in.Node.Config) > 0 {
		if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
			return Result{}, coreerr.Wrap(coreerr.InvalidNodeConfig, err, "parallel.join config: "+err.Error())
		}
	}
	if cfg.Mode != "all" && cfg.Mode != "any" && cfg.Mode != "" {
		return Result{}, coreerr.Newf(coreerr.InvalidNodeConfig, "parallel.join mode must be \"all\" or \"any\", got %q", cfg.Mode)
	}

	branches := make(map[string]json.RawMessage, len(in.Steps))
	for _, s := range in.Steps {
		branches[s.NodeID] = s.Output
	}
	out, err := json.Marshal(parallelJoinOutput{Branches: branches})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSucceeded, Output: out}, nil
}
