// Package httpapi is the local views API: the signed-in user's inbox,
// preferences and push permission, plus a server-sent event stream that
// keeps every open view consistent.
package httpapi

import (
	"context"
	"crypto/subtle"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"deptnotify/internal/engine"
	"deptnotify/internal/eventbus"
	"deptnotify/internal/inbox"
	"deptnotify/internal/localstate"
	"deptnotify/internal/model"
	"deptnotify/internal/privileged"
	"deptnotify/internal/push"
	"deptnotify/internal/runtime/supervisor"
	"deptnotify/internal/session"
	"deptnotify/internal/source"
)

const maxBody = 64 << 10

// Sessions is the sign-in lifecycle the API drives.
type Sessions interface {
	SignIn(ctx context.Context, token string) (model.Identity, error)
	SignOut(ctx context.Context) error
	Current() (*session.Session, bool)
}

// Health is the /healthz document.
type Health struct {
	OK           bool                `json:"ok"`
	Error        string              `json:"error,omitempty"`
	Goroutines   supervisor.Counters `json:"goroutines"`
	Identity     string              `json:"identity,omitempty"`
	Trigger      string              `json:"trigger,omitempty"`
	Cycles       uint64              `json:"cycles"`
	DedupEntries int                 `json:"dedup_entries,omitempty"`
	LastCycle    *engine.CycleReport `json:"last_cycle,omitempty"`
	CycleError   string              `json:"last_cycle_error,omitempty"`
}

// Deps are the components behind the routes. Push, Admin and Health may be nil.
type Deps struct {
	Sessions Sessions
	Inbox    *inbox.Inbox
	Prefs    *localstate.PreferenceStore
	Push     *push.Service
	Bus      eventbus.Bus
	Admin    *privileged.Gateway
	Health   func() Health
	Log      logx.Logger
}

type API struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *API {
	return &API{d: d, log: d.Log.With(logx.String("comp", "httpapi"))}
}

// Handler returns the routed API wrapped in recovery and request logging.
// Cross-origin access is only granted to the listed view origins; with none
// listed no CORS headers are ever sent.
func (a *API) Handler(origins ...string) http.Handler {
	r := mux.NewRouter()
	a.Mount(r)

	var h http.Handler = r
	if origins = cleanOrigins(origins); len(origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog{a.log}))(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, a.logRequest)
	return h
}

// Mount registers every route on r.
func (a *API) Mount(r *mux.Router) {
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/session", a.signIn).Methods(http.MethodPost)
	v1.HandleFunc("/session", a.withSession(a.signOut)).Methods(http.MethodDelete)
	v1.HandleFunc("/session", a.withSession(a.currentSession)).Methods(http.MethodGet)

	v1.HandleFunc("/inbox", a.withSession(a.listInbox)).Methods(http.MethodGet)
	v1.HandleFunc("/inbox", a.withSession(a.clearInbox)).Methods(http.MethodDelete)
	v1.HandleFunc("/inbox/read-all", a.withSession(a.markAllRead)).Methods(http.MethodPost)
	v1.HandleFunc("/inbox/events", a.withStreamSession(a.events)).Methods(http.MethodGet)
	v1.HandleFunc("/inbox/{id}/read", a.withSession(a.markRead)).Methods(http.MethodPost)

	v1.HandleFunc("/preferences", a.withSession(a.getPreferences)).Methods(http.MethodGet)
	v1.HandleFunc("/preferences", a.withSession(a.putPreferences)).Methods(http.MethodPut)

	v1.HandleFunc("/push", a.withSession(a.pushStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/push/enable", a.withSession(a.enablePush)).Methods(http.MethodPost)

	if a.d.Admin != nil {
		privileged.Routes(r, a.d.Admin)
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s *session.Session)

// withSession resolves the current session. Every request must present the
// session's own bearer token.
func (a *API) withSession(h sessionHandler) http.HandlerFunc {
	return a.authorize(h, false)
}

// withStreamSession also accepts ?access_token= since EventSource cannot
// set headers.
func (a *API) withStreamSession(h sessionHandler) http.HandlerFunc {
	return a.authorize(h, true)
}

func (a *API) authorize(h sessionHandler, query bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.d.Sessions.Current()
		if !ok {
			writeError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		tok := bearer(r.Header.Get("Authorization"))
		if tok == "" && query {
			tok = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.Token())) != 1 {
			writeError(w, http.StatusUnauthorized, "token does not match the current session")
			return
		}
		h(w, r, s)
	}
}

func bearer(header string) string {
	const p = "Bearer "
	if len(header) > len(p) && strings.EqualFold(header[:len(p)], p) {
		return strings.TrimSpace(header[len(p):])
	}
	return ""
}

func cleanOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" && o != "*" {
			out = append(out, o)
		}
	}
	return out
}

type identityDoc struct {
	ID       string     `json:"id"`
	Role     model.Role `json:"role"`
	Unit     model.Unit `json:"unit,omitempty"`
	FullName string     `json:"full_name,omitempty"`
}

func identityOf(id model.Identity) identityDoc {
	return identityDoc{ID: id.ID, Role: id.Role, Unit: id.Unit, FullName: id.FullName}
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if r.ContentLength != 0 {
		// A JSON content type forces a CORS preflight for foreign pages.
		if !isJSON(r) {
			writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	tok := strings.TrimSpace(body.AccessToken)
	if tok == "" {
		tok = bearer(r.Header.Get("Authorization"))
	}
	if tok == "" {
		writeError(w, http.StatusBadRequest, "access_token required")
		return
	}

	id, err := a.d.Sessions.SignIn(r.Context(), tok)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, identityOf(id))
	case errors.Is(err, source.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "sign-in rejected")
	default:
		a.log.Warn("sign-in failed", logx.Err(err))
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request, _ *session.Session) {
	if err := a.d.Sessions.SignOut(r.Context()); err != nil {
		a.log.Warn("sign-out cleanup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) currentSession(w http.ResponseWriter, _ *http.Request, s *session.Session) {
	writeJSON(w, http.StatusOK, identityOf(s.Identity()))
}

type inboxDoc struct {
	Records []model.Record `json:"records"`
	Unread  int            `json:"unread"`
	Badge   string         `json:"badge"`
}

func (a *API) listInbox(w http.ResponseWriter, r *http.Request, s *session.Session) {
	list, err := a.d.Inbox.List(r.Context(), s.Identity().ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n := 0
	for _, rec := range list {
		if !rec.Read {
			n++
		}
	}
	if list == nil {
		list = []model.Record{}
	}
	writeJSON(w, http.StatusOK, inboxDoc{Records: list, Unread: n, Badge: inbox.BadgeText(n)})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, s *session.Session) {
	err := a.d.Inbox.MarkRead(r.Context(), s.Identity().ID, mux.Vars(r)["id"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request, s *session.Session) {
	n, err := a.d.Inbox.MarkAllRead(r.Context(), s.Identity().ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (a *API) clearInbox(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if err := a.d.Inbox.Clear(r.Context(), s.Identity().ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getPreferences(w http.ResponseWriter, r *http.Request, s *session.Session) {
	p, err := a.d.Prefs.Load(r.Context(), s.Identity().ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) putPreferences(w http.ResponseWriter, r *http.Request, s *session.Session) {
	var p model.Preferences
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for c := range p {
		if !c.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", c))
			return
		}
	}
	saved, err := a.d.Prefs.Save(r.Context(), s.Identity().ID, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) pushStatus(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if a.d.Push == nil {
		writeJSON(w, http.StatusOK, push.Permission{State: push.StateDefault})
		return
	}
	p, err := a.d.Push.Status(r.Context(), s.Identity().ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) enablePush(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if a.d.Push == nil {
		writeError(w, http.StatusServiceUnavailable, push.ErrNoChannel.Error())
		return
	}
	st, err := a.d.Push.Request(r.Context(), s.Identity())
	if err != nil {
		a.log.Warn("push permission request failed", logx.String("identity", s.Identity().ID), logx.Err(err))
		code := http.StatusBadGateway
		if errors.Is(err, push.ErrNoChannel) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"state": string(st), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(st)})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{OK: true}
	if a.d.Health != nil {
		h = a.d.Health()
	}
	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *API) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	a.log.Debug("http request",
		logx.String("method", p.Request.Method),
		logx.String("path", p.URL.Path),
		logx.Int("status", p.StatusCode),
		logx.Int("size", p.Size),
		logx.Duration("took", time.Since(p.TimeStamp)),
	)
}

type recoveryLog struct{ log logx.Logger }

func (l recoveryLog) Println(v ...any) { l.log.Error("http handler panicked", logx.String("panic", fmt.Sprint(v...))) }
