package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ormasoftchile/plantrace/pkg/tools"
)

// ErrNoBridge is returned when a plan with a think step runs without a bridge.
// It is never retried.
var ErrNoBridge = errors.New("no bridge configured")

// UnregisteredToolError reports a tool step naming a tool the registry does
// not know. It is never retried: the registry cannot change between attempts.
type UnregisteredToolError struct {
	StepID   string
	ToolName string
}

func (e *UnregisteredToolError) Error() string {
	return fmt.Sprintf("step %q: tool %q is not registered", e.StepID, e.ToolName)
}

func (e *UnregisteredToolError) Unwrap() error { return tools.ErrUnregistered }

// TimeoutError reports an attempt that ran longer than the per-step limit.
type TimeoutError struct {
	StepID  string
	Attempt int
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q attempt %d timed out after %s", e.StepID, e.Attempt+1, e.Limit)
}

// stackOf renders the stack of the first goerr error in err's chain.
func stackOf(err error) string {
	var ge *goerr.Error
	if errors.As(err, &ge) {
		return fmt.Sprintf("%+v", ge)
	}
	return ""
}
