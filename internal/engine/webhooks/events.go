package webhooks

// Supported event types. Subscriptions may only reference these.
const (
	EventPromptCreated         = "prompt.created"
	EventPromptUpdated         = "prompt.updated"
	EventPromptDeleted         = "prompt.deleted"
	EventTestRunStarted        = "test_run.started"
	EventTestRunCompleted      = "test_run.completed"
	EventTestRunFailed         = "test_run.failed"
	EventSyncStarted           = "sync.started"
	EventSyncCompleted         = "sync.completed"
	EventSyncFailed            = "sync.failed"
	EventDeploymentStarted     = "deployment.started"
	EventDeploymentCompleted   = "deployment.completed"
	EventDeploymentFailed      = "deployment.failed"
	EventDependencyHealthCheck = "dependency.health_check"
	EventPipelineExecuted      = "pipeline.executed"
	EventApprovalRequested     = "approval.requested"
	EventApprovalApproved      = "approval.approved"
	EventApprovalRejected      = "approval.rejected"

	// EventTest is sent by reachability probes and manual tests. It cannot be
	// subscribed to.
	EventTest = "webhook.test"
)

var supportedEvents = []string{
	EventPromptCreated, EventPromptUpdated, EventPromptDeleted,
	EventTestRunStarted, EventTestRunCompleted, EventTestRunFailed,
	EventSyncStarted, EventSyncCompleted, EventSyncFailed,
	EventDeploymentStarted, EventDeploymentCompleted, EventDeploymentFailed,
	EventDependencyHealthCheck, EventPipelineExecuted,
	EventApprovalRequested, EventApprovalApproved, EventApprovalRejected,
}

var supportedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(supportedEvents))
	for _, e := range supportedEvents {
		m[e] = struct{}{}
	}
	return m
}()

func SupportedEvents() []string {
	out := make([]string, len(supportedEvents))
	copy(out, supportedEvents)
	return out
}

func IsSupportedEvent(event string) bool {
	_, ok := supportedSet[event]
	return ok
}

// InvalidEvents returns the entries of events outside the vocabulary, in
// input order and without duplicates.
func InvalidEvents(events []string) []string {
	var invalid []string
	seen := make(map[string]bool)
	for _, e := range events {
		if !IsSupportedEvent(e) && !seen[e] {
			seen[e] = true
			invalid = append(invalid, e)
		}
	}
	return invalid
}
