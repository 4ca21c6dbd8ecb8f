package model

import (
	"net/url"
	"time"
)

type Category string

const (
	CategoryNewTask       Category = "new_task"
	CategoryTaskUpdate    Category = "task_update"
	CategoryNewComment    Category = "new_comment"
	CategoryLeaveNew      Category = "leave_new"
	CategoryLeaveUpdate   Category = "leave_update"
	CategoryTaskCompleted Category = "task_completed"
)

var AllCategories = []Category{
	CategoryNewTask,
	CategoryTaskUpdate,
	CategoryNewComment,
	CategoryLeaveNew,
	CategoryLeaveUpdate,
	CategoryTaskCompleted,
}

func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if k == c {
			return true
		}
	}
	return false
}

// Preferences maps a category to enabled. Missing categories are enabled.
type Preferences map[Category]bool

func DefaultPreferences() Preferences {
	p := make(Preferences, len(AllCategories))
	for _, c := range AllCategories {
		p[c] = true
	}
	return p
}

func (p Preferences) Enabled(c Category) bool {
	v, ok := p[c]
	return !ok || v
}

// Merge returns a copy of p with every known category present.
func (p Preferences) Merge() Preferences {
	out := DefaultPreferences()
	for c, v := range p {
		if c.Valid() {
			out[c] = v
		}
	}
	return out
}

type RefKind string

const (
	RefNone    RefKind = ""
	RefTask    RefKind = "task"
	RefComment RefKind = "comment"
	RefLeave   RefKind = "leave"
)

// Ref points a record back at the entity it is about.
// Comment refs carry the parent task id too.
type Ref struct {
	Kind      RefKind `json:"kind,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	CommentID string  `json:"comment_id,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
}

func TaskRef(taskID string) Ref { return Ref{Kind: RefTask, TaskID: taskID} }

func CommentRef(taskID, commentID string) Ref {
	return Ref{Kind: RefComment, TaskID: taskID, CommentID: commentID}
}

func LeaveRef(requestID string) Ref { return Ref{Kind: RefLeave, RequestID: requestID} }

// DeepLink is the in-app route a view opens when the record is clicked.
func (r Ref) DeepLink() string {
	switch {
	case r.TaskID != "":
		return "/tasks?taskId=" + url.QueryEscape(r.TaskID)
	case r.RequestID != "":
		return "/hr?leaveId=" + url.QueryEscape(r.RequestID)
	default:
		return "/tasks"
	}
}

// Record is one user-visible notification.
type Record struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Ref       Ref       `json:"ref"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
