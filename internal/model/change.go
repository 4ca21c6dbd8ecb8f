package model

import "time"

// Table tags the monitored backend tables.
type Table string

const (
	TableTasks         Table = "tasks"
	TableTaskComments  Table = "task_comments"
	TableLeaveRequests Table = "leave_requests"
)

// MonitoredTables is the fixed query order of a cycle.
var MonitoredTables = []Table{TableTasks, TableTaskComments, TableLeaveRequests}

// Op is the mutation kind when the source knows it (realtime frames).
// Polled rows leave it empty and the engine derives it from timestamps.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ChangeEvent is one row-level change in a monitored table.
type ChangeEvent struct {
	Table     Table
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	ActorID   string
	Op        Op
	Payload   Payload
}

// Timestamp is the ordering key of the event.
func (e ChangeEvent) Timestamp() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.CreatedAt
	}
	return e.UpdatedAt
}

// IsCreation reports whether the row was created inside a window starting at w.
func (e ChangeEvent) IsCreation(w time.Time) bool {
	switch e.Op {
	case OpInsert:
		return true
	case OpUpdate:
		return false
	}
	return !e.CreatedAt.IsZero() && !e.CreatedAt.Before(w)
}

// Payload is the table-specific part of a ChangeEvent. The set of
// implementations is closed: TaskRow, CommentRow, LeaveRow.
type Payload interface {
	table() Table
}

type TaskStatus string

const (
	TaskAssigned    TaskStatus = "assigned"
	TaskInProgress  TaskStatus = "in_progress"
	TaskCompleted   TaskStatus = "completed"
	TaskUnderReview TaskStatus = "under_review"
	TaskApproved    TaskStatus = "approved"
	TaskSuspended   TaskStatus = "suspended"
)

func (s TaskStatus) Label() string {
	switch s {
	case TaskAssigned:
		return "Assigned"
	case TaskInProgress:
		return "In progress"
	case TaskCompleted:
		return "Completed"
	case TaskUnderReview:
		return "Under review"
	case TaskApproved:
		return "Approved"
	case TaskSuspended:
		return "Suspended"
	default:
		return string(s)
	}
}

// TaskRow is a row of the tasks table. PreviousStatus is empty when unknown.
type TaskRow struct {
	Title          string
	Status         TaskStatus
	PreviousStatus TaskStatus
	AssignedTo     string
	AssignedBy     string
	Unit           Unit
}

func (TaskRow) table() Table { return TableTasks }

// StatusChanged is true unless a known previous status equals the current one.
func (r TaskRow) StatusChanged() bool {
	return r.PreviousStatus == "" || r.PreviousStatus != r.Status
}

// CommentRow is a task comment with the parent task's assignment embedded.
type CommentRow struct {
	TaskID         string
	Message        string
	TaskTitle      string
	TaskAssignedTo string
	TaskAssignedBy string
}

func (CommentRow) table() Table { return TableTaskComments }

type LeaveType string

const (
	LeaveFullDay LeaveType = "leave"
	LeaveTimeOff LeaveType = "time_off"
)

func (t LeaveType) Label() string {
	if t == LeaveFullDay {
		return "leave"
	}
	return "time off"
}

type ApprovalStatus string

const (
	ApprovalPending          ApprovalStatus = "pending"
	ApprovalUnitHeadApproved ApprovalStatus = "unit_head_approved"
	ApprovalUnitHeadRejected ApprovalStatus = "unit_head_rejected"
	ApprovalAdminApproved    ApprovalStatus = "admin_approved"
	ApprovalAdminRejected    ApprovalStatus = "admin_rejected"
)

func (s ApprovalStatus) Label() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalUnitHeadApproved:
		return "approved by unit head"
	case ApprovalUnitHeadRejected:
		return "rejected by unit head"
	case ApprovalAdminApproved:
		return "approved"
	case ApprovalAdminRejected:
		return "rejected"
	default:
		return string(s)
	}
}

// LeaveRow is a row of the leave_requests table.
type LeaveRow struct {
	UserID         string
	LeaveType      LeaveType
	Status         ApprovalStatus
	PreviousStatus ApprovalStatus
	Unit           Unit
}

func (LeaveRow) table() Table { return TableLeaveRequests }

func (r LeaveRow) StatusChanged() bool {
	return r.PreviousStatus == "" || r.PreviousStatus != r.Status
}

// PayloadTable returns the table a payload belongs to.
func PayloadTable(p Payload) Table {
	if p == nil {
		return ""
	}
	return p.table()
}
