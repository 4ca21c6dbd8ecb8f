package source

import (
	"encoding/json"
	"fmt"
	"time"

	"deptnotify/internal/model"
)

// Columns each table is queried with, and the column its window is on.
var (
	selectColumns = map[model.Table]string{
		model.TableTasks:         "id,title,status,assigned_to,assigned_by,unit,created_at,updated_at",
		model.TableTaskComments:  "id,task_id,user_id,message,created_at,tasks(title,assigned_to,assigned_by)",
		model.TableLeaveRequests: "id,user_id,leave_type,status,unit_head_id,unit_head_decision,admin_id,admin_decision,created_at,updated_at",
	}
	timeColumn = map[model.Table]string{
		model.TableTasks:         "updated_at",
		model.TableTaskComments:  "created_at",
		model.TableLeaveRequests: "updated_at",
	}
)

func SelectColumns(t model.Table) string { return selectColumns[t] }

func TimeColumn(t model.Table) string {
	if c, ok := timeColumn[t]; ok {
		return c
	}
	return "updated_at"
}

type taskRecord struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	AssignedTo string    `json:"assigned_to"`
	AssignedBy *string   `json:"assigned_by"`
	Unit       *string   `json:"unit"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Optional; views that expose the pre-update status fill it.
	OldStatus *string `json:"old_status,omitempty"`
}

type commentRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Task      *struct {
		Title      string  `json:"title"`
		AssignedTo string  `json:"assigned_to"`
		AssignedBy *string `json:"assigned_by"`
	} `json:"tasks"`
}

type leaveRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	LeaveType        string    `json:"leave_type"`
	Status           string    `json:"status"`
	UnitHeadID       *string   `json:"unit_head_id"`
	UnitHeadDecision *string   `json:"unit_head_decision"`
	AdminID          *string   `json:"admin_id"`
	AdminDecision    *string   `json:"admin_decision"`
	Unit             *string   `json:"unit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	OldStatus        *string   `json:"old_status,omitempty"`
}

type statusOnly struct {
	Status *string `json:"status"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// DecodeRow turns a backend row into a ChangeEvent. old is the pre-update
// row when the source has one (realtime UPDATE frames); it may be nil.
func DecodeRow(table model.Table, row, old json.RawMessage) (model.ChangeEvent, error) {
	oldStatus := ""
	if len(old) > 0 {
		var o statusOnly
		if err := json.Unmarshal(old, &o); err == nil {
			oldStatus = str(o.Status)
		}
	}

	switch table {
	case model.TableTasks:
		var r taskRecord
		if err := json.Unmarshal(row, &r); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("decode task row: %w", err)
		}
		if oldStatus == "" {
			oldStatus = str(r.OldStatus)
		}
		ev := model.ChangeEvent{
			Table:     table,
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			Payload: model.TaskRow{
				Title:          r.Title,
				Status:         model.TaskStatus(r.Status),
				PreviousStatus: model.TaskStatus(oldStatus),
				AssignedTo:     r.AssignedTo,
				AssignedBy:     str(r.AssignedBy),
				Unit:           model.Unit(str(r.Unit)),
			},
		}
		// The assigner authored the row; later edits have no recorded author.
		if !r.CreatedAt.IsZero() && r.CreatedAt.Equal(r.UpdatedAt) {
			ev.ActorID = str(r.AssignedBy)
		}
		return ev, nil

	case model.TableTaskComments:
		var r commentRecord
		if err := json.Unmarshal(row, &r); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("decode comment row: %w", err)
		}
		p := model.CommentRow{TaskID: r.TaskID, Message: r.Message}
		if r.Task != nil {
			p.TaskTitle = r.Task.Title
			p.TaskAssignedTo = r.Task.AssignedTo
			p.TaskAssignedBy = str(r.Task.AssignedBy)
		}
		return model.ChangeEvent{
			Table:     table,
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.CreatedAt,
			ActorID:   r.UserID,
			Op:        model.OpInsert,
			Payload:   p,
		}, nil

	case model.TableLeaveRequests:
		var r leaveRecord
		if err := json.Unmarshal(row, &r); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("decode leave row: %w", err)
		}
		if oldStatus == "" {
			oldStatus = str(r.OldStatus)
		}
		ev := model.ChangeEvent{
			Table:     table,
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			Payload: model.LeaveRow{
				UserID:         r.UserID,
				LeaveType:      model.LeaveType(r.LeaveType),
				Status:         model.ApprovalStatus(r.Status),
				PreviousStatus: model.ApprovalStatus(oldStatus),
				Unit:           model.Unit(str(r.Unit)),
			},
		}
		switch {
		case str(r.AdminDecision) != "":
			ev.ActorID = str(r.AdminID)
		case str(r.UnitHeadDecision) != "":
			ev.ActorID = str(r.UnitHeadID)
		default:
			ev.ActorID = r.UserID
		}
		return ev, nil
	}
	return model.ChangeEvent{}, fmt.Errorf("unknown table %q", table)
}
