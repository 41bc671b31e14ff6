package deploy

// Stage names, in pipeline order.
const (
	StageBaseSetup         = "base-setup"
	StageCloneAndConfigure = "clone-and-configure"
	StageDeployBackend     = "deploy-backend"
	StageDeployFrontend    = "deploy-frontend"
	StageVerify            = "verify"
)

// FailurePolicy says what a failed stage means for the pipeline.
type FailurePolicy int

const (
	// Fatal aborts the pipeline.
	Fatal FailurePolicy = iota

	// Ignorable is logged and the pipeline continues.
	Ignorable
)

func (p FailurePolicy) String() string {
	if p == Ignorable {
		return "ignorable"
	}
	return "fatal"
}

// Stage is one atomically submitted batch of remote commands.
type Stage struct {
	Name      string
	Commands  []Command
	OnFailure FailurePolicy
}

// Lines renders the stage's commands for submission.
func (s Stage) Lines() []string {
	return Render(s.Commands)
}

// Outcome is the status of a submitted batch. A batch has no
// per-command granularity.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return "Pending"
	}
}

// Terminal reports whether o is Succeeded or Failed.
func (o Outcome) Terminal() bool {
	return o == Succeeded || o == Failed
}

// StageResult is the outcome of running one stage.
type StageResult struct {
	Stage string

	// CommandID is empty when the batch was never accepted.
	CommandID string

	// Outcome is the last observed batch outcome; Pending when the poll
	// attempts ran out.
	Outcome Outcome

	// Err is nil only when the stage succeeded.
	Err error
}

// Succeeded reports whether the stage completed successfully.
func (r StageResult) Succeeded() bool {
	return r.Err == nil && r.Outcome == Succeeded
}
