package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// webhook fakes the http provider. status 200 answers with answer.
func webhook(t *testing.T, status int, answer string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Message string `json:"message"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body.Message)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"response": answer})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, upstreamURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triage.yaml")
	cfg := `
upstream:
  provider: http
  base_url: ` + upstreamURL + `
  timeout: 2s
organization:
  phone: "+39 02 1234567"
  greeting: "Benvenuto!"
  options: ["Assistenza", "Preventivo"]
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestClassifyCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "classify", "Siamo fermi, il server non si avvia")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "critical", out["urgency"])
	assert.Equal(t, "problema_server", out["primary"])
	assert.Contains(t, out["slots"], "turns")
}

func TestAskAnswersThroughTheUpstream(t *testing.T) {
	srv, calls := webhook(t, http.StatusOK, "Certo, ecco le informazioni.")
	path := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "ask", "--config", path, "Vorrei", "informazioni")
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &reply))
	assert.Equal(t, "Certo, ecco le informazioni.", reply["response"])
	assert.Equal(t, false, reply["fallbackUsed"])
	assert.Equal(t, "answered", reply["state"])
	assert.EqualValues(t, 1, calls.Load())
}

func TestAskFallsBackWhenUpstreamFails(t *testing.T) {
	srv, calls := webhook(t, http.StatusBadGateway, "")
	path := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "ask", "-c", path, "Il wifi non va")
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &reply))
	assert.Equal(t, true, reply["fallbackUsed"])
	assert.NotEmpty(t, reply["response"])
	assert.EqualValues(t, 4, reply["attempts"])
	assert.EqualValues(t, 4, calls.Load())
}

func TestAskEscalate(t *testing.T) {
	srv, calls := webhook(t, http.StatusOK, "ok")
	path := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "ask", "-c", path, "--escalate", "--lead", "name=Mario,phone=3331234567")
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &reply))
	assert.Equal(t, "escalatedOnly", reply["state"])
	assert.Equal(t, "explicitRequest", reply["reason"])
	assert.Contains(t, reply["response"], "+39 02 1234567")
	assert.Zero(t, calls.Load())
}

func TestAskRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  provider: carrier-pigeon\n"), 0o600))

	_, _, err := executeCLI(t, "ask", "-c", path, "ciao")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestServeHandlesRequestsAndShutsDown(t *testing.T) {
	srv, _ := webhook(t, http.StatusOK, "Eccomi.")
	path := writeConfig(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := wireApp(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/api/chat", "application/json", strings.NewReader(`{"action":"start"}`))
	require.NoError(t, err)
	var start map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&start))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Benvenuto!", start["response"])

	body := `{"action":"message","sessionId":"` + start["sessionId"].(string) + `","message":"ciao"}`
	resp, err = http.Post(base+"/api/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	_ = resp.Body.Close()
	assert.Equal(t, "Eccomi.", reply["response"])
	assert.Equal(t, start["sessionId"], reply["sessionId"])

	cancel()
	require.NoError(t, <-done)
}
