package privileged

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deptnotify/internal/storage"
)

// Gateway executes privileged operations on behalf of an authenticated admin.
type Gateway struct {
	backend  Backend
	audit    storage.Store
	verifier *TokenVerifier
	validate *payloadValidator
	log      logx.Logger
	now      func() time.Time

	// Mirror successful operations into the backend audit_log table.
	mirror bool
}

type Option func(*Gateway)

// WithVerifier checks caller tokens locally before calling the backend.
func WithVerifier(v *TokenVerifier) Option { return func(g *Gateway) { g.verifier = v } }

func WithBackendAudit(enabled bool) Option { return func(g *Gateway) { g.mirror = enabled } }

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGateway(backend Backend, audit storage.Store, log logx.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		backend:  backend,
		audit:    audit,
		validate: newValidator(),
		log:      log.With(logx.String("comp", "privileged")),
		now:      time.Now,
		mirror:   true,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// invocation collects what the audit entry needs while an operation runs.
type invocation struct {
	op     string
	caller Caller
	target string
	meta   map[string]any
}

// Invoke runs op for the caller identified by callerToken. It never returns
// partial success: on failure the result carries only the error message and
// any user created along the way has been deleted again.
func (g *Gateway) Invoke(ctx context.Context, callerToken, op string, payload []byte) Result {
	began := time.Now()
	inv := &invocation{op: op}
	if c, ok := Canonical(op); ok {
		inv.op = c
	}

	res := g.invoke(ctx, callerToken, inv, payload)
	g.record(ctx, inv, res, time.Since(began))
	return res
}

func (g *Gateway) invoke(ctx context.Context, token string, inv *invocation, payload []byte) Result {
	if _, ok := Canonical(inv.op); !ok {
		return failure(fmt.Errorf("%w: %s", ErrUnknownOp, inv.op))
	}
	caller, err := g.authenticate(ctx, token)
	if err != nil {
		return failure(err)
	}
	inv.caller = caller

	admin, err := g.backend.IsAdmin(ctx, caller.ID)
	if err != nil {
		return failure(err)
	}
	if !admin {
		if inv.op == OpCreateUser {
			return failure(errors.New("Only admin can create users"))
		}
		return failure(errors.New("Only admin can reset passwords"))
	}

	switch inv.op {
	case OpCreateUser:
		var req CreateUserRequest
		if err := decode(payload, &req); err != nil {
			return failure(err)
		}
		return g.createUser(ctx, inv, req)
	default:
		var req ResetPasswordRequest
		if err := decode(payload, &req); err != nil {
			return failure(err)
		}
		return g.resetPassword(ctx, inv, req)
	}
}

func (g *Gateway) authenticate(ctx context.Context, token string) (Caller, error) {
	if strings.TrimSpace(token) == "" {
		return Caller{}, ErrUnauthorized
	}
	var sub string
	if g.verifier != nil {
		s, err := g.verifier.Verify(token)
		if err != nil {
			g.log.Debug("caller token rejected", logx.Err(err))
			return Caller{}, ErrUnauthorized
		}
		sub = s
	}
	c, err := g.backend.Caller(ctx, token)
	if err != nil || c.ID == "" {
		return Caller{}, ErrUnauthorized
	}
	if sub != "" && sub != c.ID {
		return Caller{}, ErrUnauthorized
	}
	return c, nil
}

func decode(payload []byte, out any) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (g *Gateway) createUser(ctx context.Context, inv *invocation, req CreateUserRequest) Result {
	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	inv.meta = map[string]any{"email": req.Email, "role": req.Role, "unit": req.Unit, "full_name": req.FullName}
	if err := g.validate.check(req); err != nil {
		return failure(err)
	}

	userID, err := g.backend.CreateAuthUser(ctx, req.Email, req.Password, req.FullName)
	if err != nil {
		return failure(err)
	}
	inv.target = userID

	if err := g.provision(ctx, userID, req); err != nil {
		// Leave nothing half-created behind.
		if derr := g.backend.DeleteAuthUser(context.WithoutCancel(ctx), userID); derr != nil {
			g.log.Error("compensating delete failed", logx.String("user_id", userID), logx.Err(derr))
			inv.meta["compensation_error"] = derr.Error()
		} else {
			inv.meta["compensated"] = true
		}
		return failure(err)
	}

	g.mirrorAudit(ctx, AuditRow{
		UserID:     inv.caller.ID,
		Action:     OpCreateUser,
		TargetType: "user",
		TargetID:   userID,
		Details:    map[string]any{"email": req.Email, "role": req.Role, "unit": req.Unit, "full_name": req.FullName},
	})
	return Result{Success: true, UserID: userID}
}

func (g *Gateway) provision(ctx context.Context, userID string, req CreateUserRequest) error {
	duty := req.DutySystem
	if duty == "" {
		duty = "daily"
	}
	prof := ProfileUpdate{FullName: req.FullName, DutySystem: duty}
	if req.Unit != "" {
		unit := req.Unit
		prof.Unit = &unit
	}
	if req.Phone != "" {
		phone := req.Phone
		prof.Phone = &phone
	}
	if err := g.backend.UpdateProfile(ctx, userID, prof); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	var roleUnit *string
	if req.Role == "unit_head" && req.Unit != "" {
		unit := req.Unit
		roleUnit = &unit
	}
	if err := g.backend.InsertRole(ctx, userID, req.Role, roleUnit); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}

	month := g.now().UTC().Format("2006-01") + "-01"
	if err := g.backend.InsertLeaveBalance(ctx, userID, month); err != nil {
		return fmt.Errorf("create leave balance: %w", err)
	}
	return nil
}

func (g *Gateway) resetPassword(ctx context.Context, inv *invocation, req ResetPasswordRequest) Result {
	inv.target = req.UserID
	inv.meta = map[string]any{"reset_by": inv.caller.ID}
	if req.UserID == "" || req.NewPassword == "" {
		return failure(errors.New("user_id and new_password required"))
	}
	if len(req.NewPassword) < 6 {
		return failure(errors.New("Password must be at least 6 characters"))
	}
	if err := g.validate.check(req); err != nil {
		return failure(err)
	}
	if err := g.backend.UpdatePassword(ctx, req.UserID, req.NewPassword); err != nil {
		return failure(err)
	}
	g.mirrorAudit(ctx, AuditRow{
		UserID:     inv.caller.ID,
		Action:     OpResetPassword,
		TargetType: "user",
		TargetID:   req.UserID,
		Details:    map[string]any{"reset_by": inv.caller.ID},
	})
	return Result{Success: true}
}

func (g *Gateway) mirrorAudit(ctx context.Context, row AuditRow) {
	if !g.mirror {
		return
	}
	if err := g.backend.InsertAudit(ctx, row); err != nil {
		g.log.Warn("backend audit_log insert failed", logx.String("action", row.Action), logx.Err(err))
	}
}

// record writes the single local audit entry of an invocation.
func (g *Gateway) record(ctx context.Context, inv *invocation, res Result, took time.Duration) {
	e := storage.AuditEntry{
		At:         g.now().UTC(),
		ActorID:    inv.caller.ID,
		ActorEmail: inv.caller.Email,
		Action:     inv.op,
		Target:     inv.target,
		TookMS:     took.Milliseconds(),
	}
	if res.OK() {
		e.OK = 1
	} else {
		e.Fail = 1
		e.Error = res.Error
	}
	if len(inv.meta) > 0 {
		if b, err := json.Marshal(inv.meta); err == nil {
			e.MetaJSON = string(b)
		}
	}

	fields := []logx.Field{
		logx.String("action", e.Action),
		logx.String("actor", e.ActorID),
		logx.String("target", e.Target),
		logx.Bool("ok", e.OK == 1),
		logx.Int64("took_ms", e.TookMS),
	}
	if e.Fail == 1 {
		g.log.Warn("privileged operation failed", append(fields, logx.String("error", e.Error))...)
	} else {
		g.log.Info("privileged operation", fields...)
	}

	if g.audit == nil {
		return
	}
	if err := g.audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		g.log.Error("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
