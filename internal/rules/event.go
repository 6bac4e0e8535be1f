package rules

// StateChangeEvent describes a committed resource transition. Lifecycle
// handlers construct one strictly after the underlying change is durable
// and hand it to Engine.Evaluate.
type StateChangeEvent struct {
	ResourceType  string // domain.ResourceTask or domain.ResourceCard
	ResourceID    string
	FromState     *string // nil when the resource was just created
	ToState       string
	ProjectID     string
	OrgID         string
	UserID        string
	UserTriggered bool
	TaskTypeID    *string // set for task events only
}
