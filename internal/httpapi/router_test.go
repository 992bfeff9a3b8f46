package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wablast/internal/dispatch"
	"wablast/internal/session"
)

type fakeSession struct {
	status    session.Status
	artifact  *session.PairingArtifact
	logoutErr error
	logouts   int
}

func (f *fakeSession) Snapshot() session.Status { return f.status }

func (f *fakeSession) CurrentPairingArtifact() (session.PairingArtifact, error) {
	if f.artifact == nil {
		return session.PairingArtifact{}, session.ErrPairingUnavailable
	}
	return *f.artifact, nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.logouts++
	return f.logoutErr
}

type fakeDispatcher struct {
	jobs      []dispatch.Job
	submitErr error
	reports   map[string]dispatch.Report
}

func (f *fakeDispatcher) Run(_ context.Context, j dispatch.Job) (dispatch.Report, error) {
	f.jobs = append(f.jobs, j)
	rep := dispatch.Report{JobID: j.ID, Blocks: 1, Lines: []string{"Sending block 1/1..."}}
	for _, r := range j.Recipients {
		rep.Outcomes = append(rep.Outcomes, dispatch.Outcome{Recipient: r, Status: dispatch.StatusDelivered})
		rep.Lines = append(rep.Lines, "Sent to "+r.String())
	}
	return rep, nil
}

func (f *fakeDispatcher) Submit(j dispatch.Job) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.jobs = append(f.jobs, j)
	return j.ID, nil
}

func (f *fakeDispatcher) Status(id string) (dispatch.JobStatus, bool) {
	return dispatch.JobStatus{ID: id, Running: true, Total: 3, Done: 1}, true
}

func (f *fakeDispatcher) Report(_ context.Context, id string) (dispatch.Report, error) {
	if id == "running" {
		return dispatch.Report{}, dispatch.ErrNotFinished
	}
	r, ok := f.reports[id]
	if !ok {
		return dispatch.Report{}, dispatch.ErrUnknownJob
	}
	return r, nil
}

func newTestRouter(sess *fakeSession, disp *fakeDispatcher) http.Handler {
	return NewRouter(Config{Session: sess, Dispatch: disp})
}

func multipartBody(t *testing.T, fields map[string]string, csv string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csv != "" {
		fw, err := mw.CreateFormFile("file", "contacts.csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestQR(t *testing.T) {
	sess := &fakeSession{}
	h := newTestRouter(sess, &fakeDispatcher{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/qr", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	sess.artifact = &session.PairingArtifact{Code: "2@abc", IssuedAt: time.Now(), Generation: 1}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/qr", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	qr, _ := body["qr"].(string)
	assert.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))
}

func TestSessionStatusAndAlias(t *testing.T) {
	sess := &fakeSession{status: session.Status{State: session.StateReady, Ready: true}}
	h := newTestRouter(sess, &fakeDispatcher{})

	for _, path := range []string{"/session", "/estado-sesion"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["active"])
		assert.Equal(t, "ready", body["state"])
	}
}

func TestLegacySessionStatusField(t *testing.T) {
	sess := &fakeSession{status: session.Status{State: session.StatePairingRequired}}
	h := newTestRouter(sess, &fakeDispatcher{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/estado-sesion", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["activo"])
	assert.Equal(t, false, body["active"])

	sess.status = session.Status{State: session.StateReady, Ready: true}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/estado-sesion", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["activo"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
	body = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotContains(t, body, "activo")
}

func TestLogout(t *testing.T) {
	sess := &fakeSession{}
	h := newTestRouter(sess, &fakeDispatcher{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	sess.logoutErr = &session.TeardownError{Err: errors.New("refused")}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 2, sess.logouts)
}

func TestDispatchSyncText(t *testing.T) {
	disp := &fakeDispatcher{}
	h := newTestRouter(&fakeSession{}, disp)

	body, ct := multipartBody(t, map[string]string{"message": "hello"}, "name,phone\nana,+1 (555) 123-4567\nbob,abc\n")
	req := httptest.NewRequest(http.MethodPost, "/dispatch", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "Sent to 15551234567")
	require.Len(t, disp.jobs, 1)
	assert.Equal(t, "hello", disp.jobs[0].Body)
	assert.Len(t, disp.jobs[0].Recipients, 1)
}

func TestDispatchLegacyFieldsAndJSON(t *testing.T) {
	disp := &fakeDispatcher{}
	h := newTestRouter(&fakeSession{}, disp)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("mensaje", "hola"))
	fw, err := mw.CreateFormFile("archivo", "c.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("telefono\n5215512345678\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/enviar", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep dispatch.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, "5215512345678", rep.Outcomes[0].Recipient.String())
}

func TestDispatchValidation(t *testing.T) {
	h := newTestRouter(&fakeSession{}, &fakeDispatcher{})
	tests := []struct {
		name   string
		fields map[string]string
		csv    string
	}{
		{name: "no message", fields: map[string]string{}, csv: "phone\n123\n"},
		{name: "no file", fields: map[string]string{"message": "x"}},
		{name: "no phone column", fields: map[string]string{"message": "x"}, csv: "email\na@b\n"},
		{name: "no valid numbers", fields: map[string]string{"message": "x"}, csv: "phone\nabc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.fields, tt.csv)
			req := httptest.NewRequest(http.MethodPost, "/dispatch", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestDispatchAsync(t *testing.T) {
	disp := &fakeDispatcher{}
	h := newTestRouter(&fakeSession{}, disp)

	body, ct := multipartBody(t, map[string]string{"message": "hi", "async": "true"}, "phone\n111\n222\n")
	req := httptest.NewRequest(http.MethodPost, "/dispatch", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotEmpty(t, out["job_id"])

	disp.submitErr = dispatch.ErrQueueFull
	body, ct = multipartBody(t, map[string]string{"message": "hi", "async": "true"}, "phone\n111\n")
	req = httptest.NewRequest(http.MethodPost, "/dispatch", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDispatchResult(t *testing.T) {
	disp := &fakeDispatcher{reports: map[string]dispatch.Report{"done": {JobID: "done", Lines: []string{"Sent to 1"}}}}
	h := newTestRouter(&fakeSession{}, disp)

	cases := map[string]int{"/dispatch/done": http.StatusOK, "/dispatch/running": http.StatusAccepted, "/dispatch/nope": http.StatusNotFound}
	for path, want := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestReportsWithoutStore(t *testing.T) {
	h := newTestRouter(&fakeSession{}, &fakeDispatcher{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTokenGuard(t *testing.T) {
	h := NewRouter(Config{Session: &fakeSession{}, Dispatch: &fakeDispatcher{}, Token: "s3cret"})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
