package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type influxRecorder struct {
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func (r *influxRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/api/v2/write" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, string(body))
	r.query = req.URL.RawQuery
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	if status >= 400 {
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad line"}`))
	}
}

func TestInfluxDbSink(t *testing.T) {
	rec := &influxRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tmpl, err := NewInfluxDbSink(context.Background(), map[string]interface{}{
		"url":    srv.URL,
		"org":    "home",
		"bucket": "covers",
		"token":  "t",
	})
	require.NoError(t, err)
	defer tmpl.Close()
	assert.Equal(t, "influxdb", tmpl.GetType())

	require.NoError(t, tmpl.Publish(stateEvent("aabbccddeeff0001", 40, 50)))
	require.Len(t, rec.bodies, 1)
	line := rec.bodies[0]
	assert.Contains(t, line, "window_covering,device=aabbccddeeff0001,hub=10.0.0.2")
	assert.Contains(t, line, "position=40i")
	assert.Contains(t, line, "battery=50i")
	assert.Contains(t, line, `direction="stopped"`)
	assert.Contains(t, rec.query, "bucket=covers")
	assert.Contains(t, rec.query, "org=home")

	// 注销事件没有状态，不写入
	require.NoError(t, tmpl.Publish(Event{Type: EventRemoved, Key: "aabbccddeeff0001"}))
	assert.Len(t, rec.bodies, 1)

	rec.status = http.StatusBadRequest
	assert.Error(t, tmpl.Publish(stateEvent("aabbccddeeff0001", 41, -1)))
}

func TestInfluxDbSinkConfig(t *testing.T) {
	_, err := NewInfluxDbSink(context.Background(), map[string]interface{}{"org": "home"})
	assert.ErrorContains(t, err, "url")
}
