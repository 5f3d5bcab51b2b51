package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra/auth"
)

type apiFixture struct {
	*harness
	srv    *httptest.Server
	signer *auth.Signer
}

func newAPI(t *testing.T, rules ...domain.PolicyRule) *apiFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := newHarness(t, rules...)
	s := NewServer(h.gw, h.ob, h.inbox, auth.NewBaseValidator(&key.PublicKey), zap.NewNop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &apiFixture{harness: h, srv: srv, signer: auth.NewSigner(key, time.Hour)}
}

func (f *apiFixture) token(t *testing.T, user string, scopes ...string) string {
	t.Helper()
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	tok, _, err := f.signer.Sign(&domain.User{ID: "u-" + user, Username: user, Role: "operator", Scopes: set})
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPI(t)
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(TraceHeader))
}

func TestAPIRequiresTokenAndScope(t *testing.T) {
	f := newAPI(t)

	resp := f.do(t, http.MethodPost, "/v1/runs", "", runBody{SkillID: "writer"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/runs", "not-a-jwt", runBody{SkillID: "writer"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/runs", f.token(t, "alice", ScopeRead), runBody{SkillID: "writer"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/approvals/pending", f.token(t, "alice", ScopeRun), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegisterAndRunOverHTTP(t *testing.T) {
	f := newAPI(t)
	f.writeBundle(t, "writer", "1.0.0", wasmFiles())
	admin := f.token(t, "root", ScopeRegister, ScopeRead)

	resp := f.do(t, http.MethodPost, "/v1/skills/", admin, writerYAML)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created skillResponse
	decode(t, resp, &created)
	assert.Equal(t, domain.SkillLive, created.Record.State)
	require.NotNil(t, created.Verdict)
	assert.Equal(t, domain.VerdictClear, created.Verdict.Outcome)

	resp = f.do(t, http.MethodGet, "/v1/skills/writer/1.0.0/", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/skills/", admin, writerYAML)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/runs", bytes.NewReader([]byte(`{"skill_id":"writer","deadline":"5s"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "alice", ScopeRun))
	req.Header.Set(TraceHeader, "trace-42")
	run, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer run.Body.Close()

	require.Equal(t, http.StatusOK, run.StatusCode)
	assert.Equal(t, "trace-42", run.Header.Get(TraceHeader))
	var res RunResult
	decode(t, run, &res)
	assert.Equal(t, "writer@1.0.0", res.Skill)
	require.NotNil(t, res.Agent)

	// инициатор берется из токена, trace-id доходит до аудита
	events := f.events.OfKind(audit.KindAgentTransition)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, "alice", e.Requester)
		assert.Equal(t, "trace-42", e.TraceID)
	}
}

func TestRegisterUnsafeSkillReturnsVerdict(t *testing.T) {
	f := newAPI(t)
	files := wasmFiles()
	files["helper.js"] = []byte("eval(payload)\n")
	f.writeBundle(t, "writer", "1.0.0", files)

	resp := f.do(t, http.MethodPost, "/v1/skills/", f.token(t, "root", ScopeRegister), writerYAML)

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body skillResponse
	decode(t, resp, &body)
	assert.Equal(t, domain.SkillQuarantine, body.Record.State)
	require.NotNil(t, body.Verdict)
	assert.Equal(t, domain.VerdictUnsafe, body.Verdict.Outcome)
	assert.NotEmpty(t, body.Verdict.Findings)

	run := f.do(t, http.MethodPost, "/v1/runs", f.token(t, "alice", ScopeRun), runBody{SkillID: "writer", Version: "1.0.0"})
	assert.Equal(t, http.StatusConflict, run.StatusCode)
	var errBody errorBody
	decode(t, run, &errBody)
	assert.Equal(t, "quarantined", errBody.Error)
}

func TestRunErrorsAreClassified(t *testing.T) {
	f := newAPI(t,
		domain.PolicyRule{ID: "no_pii", Name: "No PII", Condition: "data.has_pii", Action: domain.ActionBlock, Message: "pii", Priority: 10, Enabled: true},
	)
	_, err := f.publish(t, writerYAML, wasmFiles())
	require.NoError(t, err)
	tok := f.token(t, "alice", ScopeRun)

	resp := f.do(t, http.MethodPost, "/v1/runs", tok, runBody{SkillID: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/runs", tok, `{"skill_id":"writer","deadline":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/runs", tok, `{"skill_id":"writer","capabilities":["execute-payment"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/runs", tok, runBody{SkillID: "writer", Data: domain.DataFlags{HasPII: true}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "policy_violation", body.Error)
	require.Len(t, body.Rules, 1)
	assert.Equal(t, "no_pii", body.Rules[0].ID)
	require.NotNil(t, body.Run)
	require.NotNil(t, body.Run.Decision)
	assert.False(t, body.Run.Decision.CanExecute)
}

// Подтверждение и PIN через HTTP: отправитель секрета не узнает результат проверки.
func TestApprovalOverHTTP(t *testing.T) {
	f := newAPI(t)
	_, err := f.publish(t, paymentsYAML, wasmFiles())
	require.NoError(t, err)
	reviewer := f.token(t, "bob", ScopeApprove)

	done := f.runAsync(RunRequest{SkillID: "payments", Requester: "alice"})
	id := f.awaitPrompt(t, approval.PromptConfirm)

	resp := f.do(t, http.MethodGet, "/v1/approvals/pending", reviewer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending map[string]approval.PromptKind
	decode(t, resp, &pending)
	assert.Equal(t, approval.PromptConfirm, pending[id])

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+id+"/secret", reviewer, map[string]string{"secret": testPIN})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "secret before confirmation")

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+id+"/confirm", reviewer, confirmBody{Accept: true, Comment: "ok"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.awaitPrompt(t, approval.PromptSecret)
	resp = f.do(t, http.MethodPost, "/v1/approvals/"+id+"/secret", reviewer, map[string]string{"secret": testPIN})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var echoed bytes.Buffer
	_, _ = echoed.ReadFrom(resp.Body)
	assert.NotContains(t, echoed.String(), testPIN)

	out := wait(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, id, out.res.ApprovalID)

	req, err := f.approvals.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalGranted, req.State)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+id+"/confirm", reviewer, confirmBody{Accept: true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRunOutlivesServerWriteTimeout(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := newHarness(t)
	_, err = h.publish(t, paymentsYAML, wasmFiles())
	require.NoError(t, err)

	s := NewServer(h.gw, h.ob, h.inbox, auth.NewBaseValidator(&key.PublicKey), zap.NewNop()).
		WithRunWriteBudget(5 * time.Second)
	srv := httptest.NewUnstartedServer(s)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)
	f := &apiFixture{harness: h, srv: srv, signer: auth.NewSigner(key, time.Hour)}

	type reply struct {
		resp *http.Response
		err  error
	}
	done := make(chan reply, 1)
	token := f.token(t, "alice", ScopeRun)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/runs", bytes.NewReader([]byte(`{"skill_id":"payments"}`)))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		done <- reply{resp, err}
	}()

	id := f.awaitPrompt(t, approval.PromptConfirm)
	// ревьюер отвечает позже общего WriteTimeout
	time.Sleep(400 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, f.inbox.Respond(ctx, id, approval.Response{Accept: true, Reviewer: "bob"}))
	f.awaitPrompt(t, approval.PromptSecret)
	require.NoError(t, f.inbox.SubmitSecret(ctx, id, approval.NewSecret(testPIN)))

	var got reply
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run response did not arrive")
	}
	require.NoError(t, got.err)
	defer got.resp.Body.Close()
	require.Equal(t, http.StatusOK, got.resp.StatusCode)
	var res RunResult
	decode(t, got.resp, &res)
	assert.Equal(t, id, res.ApprovalID)
}
