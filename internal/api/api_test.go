package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/config"
	"github.com/roach88/dagstate/internal/instance"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T, opts ...Option) *client {
	t.Helper()
	a, err := boundary.GenerateContext("a", "b")
	require.NoError(t, err)
	b, err := boundary.GenerateContext("b")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Boundary.Policy = config.PolicyConfig{Sign: true, Encrypt: true}
	cfg.Boundary.Contexts = []config.ContextConfig{
		{ID: "a", Permissions: a.Permissions, SigningKey: config.EncodeKey(a.SigningKey), EncryptionKey: config.EncodeKey(a.EncryptionKey)},
		{ID: "b", SigningKey: config.EncodeKey(b.SigningKey), EncryptionKey: config.EncodeKey(b.EncryptionKey)},
	}
	inst, err := instance.Open(&cfg, instance.WithClock(testutil.NewDeterministicClock()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	srv := httptest.NewServer(New(inst, append([]Option{WithWatchBuffer(8)}, opts...)...).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = inst.Close()
	})
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type valueBody struct {
	Value json.RawMessage `json:"value"`
}

func (v valueBody) ir(t *testing.T) ir.IRValue {
	t.Helper()
	out, err := ir.ParseJSON(v.Value)
	require.NoError(t, err)
	return out
}

func set(path string, v any) ApplyRequest {
	input, _ := json.Marshal(map[string]any{"path": path, "value": v})
	return ApplyRequest{Reducer: "set", Input: input}
}

func TestApplyAndRead(t *testing.T) {
	c := newClient(t)

	var applied struct {
		Head   HeadView   `json:"head"`
		Commit CommitView `json:"commit"`
	}
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", set("user.name", "ada"), &applied))
	assert.Equal(t, int64(1), applied.Head.Generation)
	assert.True(t, applied.Commit.Signed, "contexts with a signing key sign their commits")
	first := applied.Commit.Hash

	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", set("user.age", 36), &applied))

	var v valueBody
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/a/value?path=user", nil, &v))
	assert.True(t, ir.Equal(ir.Obj(ir.O("name", ir.IRString("ada")), ir.O("age", ir.IRInt(36))), v.ir(t)))

	assert.Equal(t, http.StatusNotFound, c.do("GET", "/v1/contexts/a/value?path=nope", nil, nil))

	var head HeadView
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/a/head", nil, &head))
	assert.Equal(t, applied.Head, head)

	var hist []CommitView
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/a/history", nil, &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, first, hist[1].Hash)
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/a/history?limit=1", nil, &hist))
	assert.Len(t, hist, 1)

	var diff struct {
		Changed []object.Hash `json:"changed"`
	}
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/diff?a="+string(first)+"&b="+string(head.Commit), nil, &diff))
	assert.NotEmpty(t, diff.Changed)

	var heads []HeadView
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts", nil, &heads))
	assert.Len(t, heads, 1)

	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/a/objects/"+string(head.Root), nil, &v))
	assert.Equal(t, http.StatusForbidden, c.do("GET", "/v1/contexts/b/objects/"+string(head.Root), nil, nil))
}

func TestApplyErrors(t *testing.T) {
	c := newClient(t)

	var e errorBody
	assert.Equal(t, http.StatusNotFound, c.do("POST", "/v1/contexts/a/apply", ApplyRequest{Reducer: "explode"}, &e))
	assert.Contains(t, e.Error, "unknown reducer")

	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/v1/contexts/a/apply", ApplyRequest{Reducer: "set", Input: json.RawMessage(`"x"`)}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/v1/contexts/a/apply", ApplyRequest{Reducer: "set", Input: json.RawMessage(`{"path":"x","value":1.5}`)}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/v1/contexts/a/apply", map[string]any{}, nil))

	assert.Equal(t, http.StatusNotFound, c.do("GET", "/v1/contexts/ghost/head", nil, &e))
	assert.Equal(t, "NOT_FOUND", e.Code)

	require.Equal(t, http.StatusCreated, c.do("POST", "/v1/contexts/fresh/init", nil, nil))
	assert.Equal(t, http.StatusConflict, c.do("POST", "/v1/contexts/fresh/init", nil, &e))
	assert.Equal(t, "CONFLICT", e.Code)

	assert.Equal(t, http.StatusBadRequest, c.do("GET", "/v1/diff?a=x&b=y", nil, nil))
}

func TestTransferOverHTTP(t *testing.T) {
	c := newClient(t)

	var applied struct {
		Head HeadView `json:"head"`
	}
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", set("doc", map[string]any{"title": "plan"}), &applied))
	root := applied.Head.Root

	var e errorBody
	assert.Equal(t, http.StatusForbidden, c.do("POST", "/v1/export", ExportRequest{Hash: root, From: "b", To: "a"}, &e))
	assert.Equal(t, "PERMISSION_DENIED", e.Code)

	var handle boundary.Handle
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/export", ExportRequest{Hash: root, From: "a", To: "b"}, &handle))
	assert.True(t, handle.Sealed)
	assert.NotEmpty(t, handle.Signature)

	tampered := handle
	tampered.Payload = append([]byte(nil), handle.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 1
	assert.Equal(t, http.StatusUnprocessableEntity, c.do("POST", "/v1/contexts/b/import", tampered, &e))
	assert.Equal(t, "INTEGRITY", e.Code, "the signature covers the payload")

	assert.Equal(t, http.StatusForbidden, c.do("POST", "/v1/contexts/a/import", handle, nil))

	var imported struct {
		Hash object.Hash `json:"hash"`
	}
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/b/import", handle, &imported))
	assert.Equal(t, root, imported.Hash)

	var v valueBody
	require.Equal(t, http.StatusOK, c.do("GET", "/v1/contexts/b/objects/"+string(root), nil, &v))
	assert.True(t, ir.Equal(ir.Obj(ir.O("doc", ir.Obj(ir.O("title", ir.IRString("plan"))))), v.ir(t)))
}

func TestWatch(t *testing.T) {
	c := newClient(t)

	url := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/v1/contexts/a/watch?path=n"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Generation int64           `json:"generation"`
		Value      json.RawMessage `json:"value"`
	}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.JSONEq(t, "null", string(msg.Value))

	inc := ApplyRequest{Reducer: "increment", Input: json.RawMessage(`{"path":"n"}`)}
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", set("other", 1), nil))
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", inc, nil))
	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", inc, nil))

	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, int64(2), msg.Generation, "unrelated commits are not streamed")
	assert.JSONEq(t, "1", string(msg.Value))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, int64(3), msg.Generation)
	assert.JSONEq(t, "2", string(msg.Value))
}

func TestWatchOrigin(t *testing.T) {
	c := newClient(t, WithAllowedOrigins("https://console.example"))
	url := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/v1/contexts/a/watch?path=n"

	dial := func(origin string) (int, error) {
		ws, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
		if ws != nil {
			ws.Close()
		}
		if resp == nil {
			return 0, err
		}
		return resp.StatusCode, err
	}

	status, err := dial("https://evil.example")
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, status)

	status, err = dial(c.srv.URL)
	assert.NoError(t, err, "same origin")
	assert.Equal(t, http.StatusSwitchingProtocols, status)

	status, err = dial("https://console.example")
	assert.NoError(t, err, "allowed origin")
	assert.Equal(t, http.StatusSwitchingProtocols, status)
}

func TestHealthAndMetrics(t *testing.T) {
	c := newClient(t)
	assert.Equal(t, http.StatusOK, c.do("GET", "/healthz", nil, nil))

	require.Equal(t, http.StatusOK, c.do("POST", "/v1/contexts/a/apply", set("x", 1), nil))
	resp, err := http.Get(c.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dagstate_apply_total")
}
