package httpapi

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wablast/internal/dispatch"
	"wablast/internal/pairing"
	"wablast/internal/recipient"
	"wablast/internal/session"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	st := a.cfg.Session.Snapshot()
	out := map[string]any{
		"state": st.State.String(),
		"ready": st.Ready,
		"since": st.Since,
	}
	if a.cfg.Health != nil {
		out["supervisor"] = a.cfg.Health()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) qr(w http.ResponseWriter, _ *http.Request) {
	art, err := a.cfg.Session.CurrentPairingArtifact()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "pairing code not available yet")
		return
	}
	dataURL, err := pairing.DataURL(art.Code, a.cfg.QRSize)
	if err != nil {
		a.log.Error("render pairing code failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not render pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qr": dataURL, "issued_at": art.IssuedAt})
}

func (a *api) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.cfg.Session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"active": st.Ready,
		"state":  st.State.String(),
	})
}

// legacySessionStatus keeps the field name older dashboards read.
func (a *api) legacySessionStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.cfg.Session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"activo": st.Ready,
		"active": st.Ready,
		"state":  st.State.String(),
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	a.log.Info("logout requested", logx.String("remote_ip", r.RemoteAddr))
	err := a.cfg.Session.Logout(r.Context())
	a.audit(r.Context(), storage.AuditEntry{Actor: "http:" + r.RemoteAddr, Action: "logout", Error: errString(err), TookMS: time.Since(start).Milliseconds()})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		a.log.Error("logout failed", logx.Err(err), logx.Bool("teardown", errors.Is(err, session.ErrTeardown)))
		writeError(w, status, "could not close the session; a new pairing code will be issued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Session closed. Scan the new pairing code."})
}

type dispatchResponse struct {
	dispatch.Report
	Rejected []recipient.Rejected `json:"rejected,omitempty"`
}

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(a.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart form with a CSV file")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	body := strings.TrimSpace(formValue(r, "message", "mensaje"))
	if body == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	file, err := formFile(r, "file", "archivo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	list, err := recipient.ReadCSV(file, a.cfg.CSVColumn)
	_ = file.Close()
	if err != nil {
		if errors.Is(err, recipient.ErrMissingColumn) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "could not read CSV: "+err.Error())
		return
	}
	if len(list.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "no valid phone numbers in file")
		return
	}
	if len(list.Rejected) > 0 {
		a.log.Warn("csv rows rejected", logx.Int("rejected", len(list.Rejected)), logx.Int("accepted", len(list.Recipients)))
	}

	job := dispatch.NewJob(list.Recipients, body)
	if isTrue(r.FormValue("async")) || isTrue(r.URL.Query().Get("async")) {
		id, err := a.cfg.Dispatch.Submit(job)
		if err != nil {
			a.writeDispatchErr(w, err)
			return
		}
		a.audit(r.Context(), storage.AuditEntry{Actor: "http:" + r.RemoteAddr, Action: "dispatch.submit", Target: id, OK: len(list.Recipients), Fail: len(list.Rejected)})
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":   id,
			"total":    len(list.Recipients),
			"rejected": list.Rejected,
			"status":   "/dispatch/" + id,
		})
		return
	}

	rep, err := a.cfg.Dispatch.Run(r.Context(), job)
	if err != nil {
		a.writeDispatchErr(w, err)
		return
	}
	a.audit(r.Context(), storage.AuditEntry{
		Actor: "http:" + r.RemoteAddr, Action: "dispatch", Target: rep.JobID,
		OK: rep.Delivered(), Fail: rep.Failed(), TookMS: rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	})
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, dispatchResponse{Report: rep, Rejected: list.Rejected})
		return
	}
	writeText(w, http.StatusOK, rep.Text())
}

func (a *api) writeDispatchErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request ended before the job finished")
	default:
		a.log.Error("dispatch failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
	}
}

func (a *api) dispatchResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := a.cfg.Dispatch.Report(r.Context(), id)
	switch {
	case err == nil:
		if wantsText(r) {
			writeText(w, http.StatusOK, rep.Text())
			return
		}
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, dispatch.ErrNotFinished):
		st, _ := a.cfg.Dispatch.Status(id)
		writeJSON(w, http.StatusAccepted, st)
	case errors.Is(err, dispatch.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job")
	default:
		a.log.Error("load dispatch report failed", logx.String("job", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not load report")
	}
}

func (a *api) reports(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := a.cfg.Store.ListReports(r.Context(), limit)
	if err != nil {
		a.log.Error("list reports failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not list reports")
		return
	}
	if list == nil {
		list = []dispatch.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) audit(ctx context.Context, e storage.AuditEntry) {
	if a.cfg.Store == nil {
		return
	}
	if err := a.cfg.Store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func formValue(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.FormValue(n); v != "" {
			return v
		}
	}
	return ""
}

func formFile(r *http.Request, names ...string) (multipart.File, error) {
	var last error = http.ErrMissingFile
	for _, n := range names {
		f, _, err := r.FormFile(n)
		if err == nil {
			return f, nil
		}
		last = err
	}
	return nil, last
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func wantsText(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/plain")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
