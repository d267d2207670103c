package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSnapshotter returns a mutex-guarded byte slice, letting tests mutate
// the "engine state" between reads.
type fakeSnapshotter struct {
	mu   sync.Mutex
	data []byte
}

func newFakeSnapshotter(initial string) *fakeSnapshotter {
	return &fakeSnapshotter{data: []byte(initial)}
}

func (f *fakeSnapshotter) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = []byte(s)
}

func (f *fakeSnapshotter) ToJSON() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, nil
}

func TestNewHandlerStartsWithNoClients(t *testing.T) {
	h := NewHandler(newFakeSnapshotter(`{}`))
	assert.Equal(t, 0, h.ClientCount())
}

func TestServeHTTPSendsConnectedThenInitialState(t *testing.T) {
	snap := newFakeSnapshotter(`{"phase":"idle"}`)
	h := NewHandler(snap)
	h.SetHeartbeatFrequency(time.Second)
	h.SetPollInterval(20 * time.Millisecond)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(eventLine, "event: connected"))

	_, err = reader.ReadString('\n') // data line
	require.NoError(t, err)
	_, err = reader.ReadString('\n') // blank separator

	eventLine, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(eventLine, "event: state"))
	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"phase":"idle"}`, strings.TrimRight(dataLine, "\n"))
}

func TestServeHTTPPushesStateOnlyWhenChanged(t *testing.T) {
	snap := newFakeSnapshotter(`{"phase":"idle"}`)
	h := NewHandler(snap)
	h.SetHeartbeatFrequency(10 * time.Second)
	h.SetPollInterval(20 * time.Millisecond)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// connected event + data + blank, initial state event + data + blank
	for i := 0; i < 6; i++ {
		_, err := reader.ReadString('\n')
		require.NoError(t, err)
	}

	snap.set(`{"phase":"discovering"}`)

	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(eventLine, "event: state"))
	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"phase":"discovering"}`, strings.TrimRight(dataLine, "\n"))
}

func TestServeHTTPSendsHeartbeat(t *testing.T) {
	snap := newFakeSnapshotter(`{}`)
	h := NewHandler(snap)
	h.SetHeartbeatFrequency(50 * time.Millisecond)
	h.SetPollInterval(time.Hour)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for i := 0; i < 6; i++ {
		_, err := reader.ReadString('\n')
		require.NoError(t, err)
	}

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": heartbeat"))
}

func TestClientCountTracksConnectAndDisconnect(t *testing.T) {
	h := NewHandler(newFakeSnapshotter(`{}`))
	h.SetPollInterval(time.Hour)
	h.SetHeartbeatFrequency(time.Hour)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, h.ClientCount())

	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(time.Second)
	for h.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestShutdownDisconnectsAllClients(t *testing.T) {
	h := NewHandler(newFakeSnapshotter(`{}`))
	h.SetPollInterval(time.Hour)
	h.SetHeartbeatFrequency(time.Hour)

	ts := httptest.NewServer(h)
	defer ts.Close()

	var resps []*http.Response
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resps = append(resps, resp)
	}
	defer func() {
		for _, r := range resps {
			r.Body.Close()
		}
	}()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 3, h.ClientCount())

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, 0, h.ClientCount())
}
