package sharedphases

import (
	"time"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/logging"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
	"github.com/quorumlabs/agentpipeline/internal/subprocess"
)

// Deps bundles the collaborators every shared phase needs, threaded through
// rather than captured in a closure so each phase is independently testable
// with fakes.
type Deps struct {
	Store      Store
	Agent      *agentclient.Client
	Sidecar    *sidecar.Store
	Control    *control.ControlPlane
	Sanitizer  *logging.Sanitizer
	Subprocess *subprocess.Supervisor

	ProjectRoot       string
	SubprocessTimeout time.Duration
}

func (d Deps) sanitize(msg string) string {
	if d.Sanitizer == nil {
		return msg
	}
	return d.Sanitizer.Sanitize(msg)
}

// MaxFixAttempts bounds sharedTest's retry loop (spec: MAX_FIX_ATTEMPTS).
const MaxFixAttempts = 2

// MaxCIFixAttempts bounds sharedCiCheck's retry loop (spec: MAX_CI_FIX_ATTEMPTS).
const MaxCIFixAttempts = 2
