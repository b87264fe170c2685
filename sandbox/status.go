package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StatusFd is the descriptor the executor reports a failed setup on. It is
// close-on-exec, so a spawner reading EOF without data knows the command
// was exec'd.
const StatusFd = 3

// WriteStatus reports err on the status pipe. Errors other than
// *StepError are reported as failures of state Created.
func WriteStatus(w io.Writer, err error) error {
	var se *StepError
	if !errors.As(err, &se) {
		se = newStepError(Created, "executor", err)
	}
	return json.NewEncoder(w).Encode(se)
}

// ReadStatus reads the status pipe to EOF. It returns nil if the executor
// reported nothing.
func ReadStatus(r io.Reader) (*StepError, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read_status: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	se := new(StepError)
	if err := json.Unmarshal(b, se); err != nil {
		return nil, fmt.Errorf("read_status: %q: %w", b, err)
	}
	return se, nil
}
