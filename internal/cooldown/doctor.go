package cooldown

import (
	"context"
	"encoding/json"
	"time"

	"nightpilot/internal/errors"
)

// CommandRunner runs the external CLI with the given arguments and returns
// its stdout.
type CommandRunner interface {
	RunCommand(ctx context.Context, args ...string) ([]byte, error)
}

type doctorReport struct {
	CooldownSeconds *int64 `json:"cooldown_seconds"`
}

// Doctor asks the CLI's own diagnostics for a cooldown. A failing or
// unparsable probe yields a non-cooling verdict and the error.
func Doctor(ctx context.Context, r CommandRunner, now time.Time) (Verdict, error) {
	out, err := r.RunCommand(ctx, "doctor", "--json")
	if err != nil {
		return Verdict{RawMessage: "doctor probe failed"}, errors.Wrap(err, "run doctor")
	}
	var rep doctorReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return Verdict{RawMessage: "doctor output not json"}, errors.Wrap(err, "decode doctor report")
	}
	if rep.CooldownSeconds == nil {
		return Verdict{RawMessage: "no cooldown reported"}, nil
	}
	v := cooling(PatternToolSpecific, time.Duration(*rep.CooldownSeconds)*time.Second, now, string(out))
	return v, nil
}
