package tunnel

import (
	"github.com/canonical/vzdispatch/shared/api"
)

// Exit codes of the external migration tool.
const (
	exitTargetExists       = 9
	exitTemplateNotFound   = 10
	exitCPUIncompatible    = 56
	exitUnsupportedFeature = 57
	exitExternalProcess    = 72
)

var exitCodes = map[int64]api.ResultCode{
	exitTargetExists:       api.TargetExists,
	exitTemplateNotFound:   api.TemplateNotFound,
	exitCPUIncompatible:    api.CPUIncompatible,
	exitUnsupportedFeature: api.UnsupportedFeature,
	exitExternalProcess:    api.ExternalProcessInCT,
}

// ExitError maps the exit status of the migration tool to an error.
// A negative code stands for a process killed by a signal.
func ExitError(code int64) error {
	if code == 0 {
		return nil
	}

	resCode, ok := exitCodes[code]
	if !ok {
		if code < 0 {
			return api.ResultErrorf(api.InternalProtocolError, "Migration tool was killed")
		}

		return api.ResultErrorf(api.InternalProtocolError, "Migration tool failed with exit code %d", code)
	}

	return api.ResultErrorf(resCode, "Migration tool failed: %s", resCode)
}
