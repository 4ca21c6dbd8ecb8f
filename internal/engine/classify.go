package engine

import (
	"time"

	"deptnotify/internal/model"
)

// notice is a classified change before preference gating.
type notice struct {
	Category model.Category
	Title    string
	Body     string
	Ref      model.Ref
}

// classify maps one change to the notices me should see. w is the window
// start of the cycle; rows created at or after it count as creations.
// Self-authored changes are filtered by the caller.
func classify(me model.Identity, ev model.ChangeEvent, w time.Time) []notice {
	created := ev.IsCreation(w)
	switch p := ev.Payload.(type) {
	case model.TaskRow:
		return classifyTask(me, ev.ID, p, created)
	case model.CommentRow:
		return classifyComment(me, ev.ID, p, created)
	case model.LeaveRow:
		return classifyLeave(me, ev.ID, p, created)
	}
	return nil
}

func classifyTask(me model.Identity, id string, t model.TaskRow, created bool) []notice {
	ref := model.TaskRef(id)
	if created {
		if t.AssignedTo == me.ID && t.AssignedBy != me.ID {
			return []notice{{model.CategoryNewTask, "New task assigned to you", t.Title, ref}}
		}
		return nil
	}
	if !t.StatusChanged() {
		return nil
	}
	var out []notice
	if t.AssignedTo == me.ID {
		out = append(out, notice{model.CategoryTaskUpdate, "Task status updated", t.Title + " → " + t.Status.Label(), ref})
	}
	if t.Status == model.TaskCompleted && t.AssignedBy == me.ID && t.AssignedTo != me.ID && me.Role.Reviewer() {
		out = append(out, notice{model.CategoryTaskCompleted, "Task completed, needs review", t.Title, ref})
	}
	return out
}

func classifyComment(me model.Identity, id string, c model.CommentRow, created bool) []notice {
	if !created {
		return nil
	}
	if c.TaskAssignedTo != me.ID && c.TaskAssignedBy != me.ID {
		return nil
	}
	body := c.TaskTitle
	if body == "" {
		body = c.Message
	}
	return []notice{{model.CategoryNewComment, "New comment on a task", body, model.CommentRef(c.TaskID, id)}}
}

func classifyLeave(me model.Identity, id string, l model.LeaveRow, created bool) []notice {
	ref := model.LeaveRef(id)
	kind := "Leave"
	if l.LeaveType == model.LeaveTimeOff {
		kind = "Time off"
	}
	if created {
		if l.UserID == me.ID || !me.Role.Reviewer() {
			return nil
		}
		if me.Role == model.RoleUnitHead && me.Unit != "" && l.Unit != "" && me.Unit != l.Unit {
			return nil
		}
		return []notice{{model.CategoryLeaveNew, "New " + l.LeaveType.Label() + " request", "A new request needs your review", ref}}
	}
	if l.UserID != me.ID || !l.StatusChanged() {
		return nil
	}
	return []notice{{model.CategoryLeaveUpdate, kind + " request updated", "Status changed to " + l.Status.Label(), ref}}
}
