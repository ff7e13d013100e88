package models

// PushRequest triggers an immediate replication of local changes.
type PushRequest struct {
	Reason string `json:"reason" validate:"required"`
	Kind   string `json:"kind"`
}

// PullRequest triggers a reconciliation with the remote state.
type PullRequest struct {
	Forced bool `json:"forced"`
}

// OnlineRequest flips the engine connectivity state.
type OnlineRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// MarkDirtyRequest flags a collection for replication without shipping
// its records.
type MarkDirtyRequest struct {
	Collection string `json:"collection" validate:"required"`
	Action     string `json:"action" validate:"required"`
	Kind       string `json:"kind"`
}

// UpdateCollectionRequest replaces one collection with new content.
type UpdateCollectionRequest struct {
	Records []Record `json:"records" validate:"required"`
	Action  string   `json:"action" validate:"required"`
	Kind    string   `json:"kind"`
}
