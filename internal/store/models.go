// Package store persists watched folders, rename suggestions and the activity log in SQLite.
package store

import "time"

// FolderStatus is the lifecycle state of a watched folder.
type FolderStatus string

const (
	FolderPending  FolderStatus = "pending"
	FolderScanning FolderStatus = "scanning"
	FolderActive   FolderStatus = "active"
	FolderPaused   FolderStatus = "paused"
	FolderError    FolderStatus = "error"
)

// WatchedFolder is a registered root directory.
type WatchedFolder struct {
	ID              string       `json:"id"`
	Path            string       `json:"path"` // Absolute, unique across folders
	Name            string       `json:"name"`
	Status          FolderStatus `json:"status"`
	FileCount       int          `json:"file_count"`
	AnalyzedCount   int          `json:"analyzed_count"`
	SuggestionCount int          `json:"suggestion_count"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SuggestionStatus is the decision state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionExecuted SuggestionStatus = "executed"
	SuggestionFailed   SuggestionStatus = "failed"
)

// OpenStatuses are the unresolved states. At most one suggestion per
// original path may be in one of them.
var OpenStatuses = []SuggestionStatus{SuggestionPending, SuggestionApproved, SuggestionFailed}

// IsOpen reports whether the status is unresolved.
func (s SuggestionStatus) IsOpen() bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SuggestionStatus) IsTerminal() bool {
	return s == SuggestionRejected || s == SuggestionExecuted
}

// AIMetadata is the analysis payload stored with a suggestion.
type AIMetadata struct {
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Scene       string   `json:"scene,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	DurationS   float64  `json:"duration_s,omitempty"`
	Codec       string   `json:"codec,omitempty"`
	Format      string   `json:"format,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Suggestion is a proposed rename for one file.
type Suggestion struct {
	ID            string           `json:"id"`
	FolderID      string           `json:"folder_id,omitempty"` // Empty once the owning folder is removed
	OriginalPath  string           `json:"original_path"`
	SuggestedName string           `json:"suggested_name"`
	Confidence    float64          `json:"confidence"`
	NeedsReview   bool             `json:"needs_review"`
	Metadata      AIMetadata       `json:"ai_metadata"`
	Status        SuggestionStatus `json:"status"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ExecutedPath  string           `json:"executed_path,omitempty"`
	BackupPath    string           `json:"backup_path,omitempty"`
	ContentHash   string           `json:"content_hash,omitempty"` // SHA-256 of the file at execution time
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DecidedAt     *time.Time       `json:"decided_at,omitempty"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
}

// ActionType identifies what an activity entry records.
type ActionType string

const (
	ActionFolderRegistered  ActionType = "folder_registered"
	ActionScanStarted       ActionType = "scan_started"
	ActionScanCompleted     ActionType = "scan_completed"
	ActionFolderPaused      ActionType = "folder_paused"
	ActionFolderResumed     ActionType = "folder_resumed"
	ActionFolderRemoved     ActionType = "folder_removed"
	ActionSuggestionCreated ActionType = "suggestion_created"
	ActionEdited            ActionType = "edited"
	ActionApproved          ActionType = "approved"
	ActionRejected          ActionType = "rejected"
	ActionExecuted          ActionType = "executed"
	ActionRollback          ActionType = "rollback"
	ActionError             ActionType = "error"
)

// EntryStatus is the outcome recorded on an activity entry.
type EntryStatus string

const (
	EntrySuccess EntryStatus = "success"
	EntryFailure EntryStatus = "failure"
)

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID           string            `json:"id"`
	FolderID     string            `json:"folder_id,omitempty"`
	SuggestionID string            `json:"suggestion_id,omitempty"`
	AssetPath    string            `json:"asset_path,omitempty"`
	Action       ActionType        `json:"action_type"`
	Status       EntryStatus       `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// CounterDelta is added to a folder's counters.
type CounterDelta struct {
	Files       int
	Analyzed    int
	Suggestions int
}

// SuggestionFilter narrows ListSuggestions. Zero values mean "any".
type SuggestionFilter struct {
	FolderID      string
	Statuses      []SuggestionStatus
	MinConfidence *float64
	MaxConfidence *float64
	NeedsReview   *bool
	Limit         int
	Offset        int
}

// ActivityFilter narrows ListActivity. Zero values mean "any".
type ActivityFilter struct {
	FolderID     string
	SuggestionID string
	Actions      []ActionType
	Status       EntryStatus
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// SuggestionUpdate lists the columns changed together with a status transition.
// Nil pointers leave the column untouched.
type SuggestionUpdate struct {
	Status        SuggestionStatus
	SuggestedName *string
	ErrorMessage  *string
	ExecutedPath  *string
	BackupPath    *string
	ContentHash   *string
	DecidedAt     *time.Time
	ExecutedAt    *time.Time
}
