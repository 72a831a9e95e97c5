package bilibili

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/bili-ingest/internal/apperr"
)

const listBody = `{
  "code": 0,
  "message": "0",
  "data": {
    "archives": [
      {
        "bvid": "BV1xx411c7mD",
        "title": "morning routine",
        "owner": {"mid": 42, "name": "uploader"},
        "pubdate": 1700000000,
        "stat": {"view": 100, "danmaku": 2, "reply": 3, "favorite": 4, "coin": 5, "share": 6, "like": 7},
        "desc": "a day",
        "pic": "http://i0.hdslb.com/cover.jpg",
        "duration": 125,
        "tag": "vlog"
      }
    ]
  }
}`

func newTestClient(url string, opts ...func(*Options)) *Client {
	o := Options{
		BaseURL:     url,
		Timeout:     time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		UserAgents:  []string{"test-agent"},
		Now:         func() time.Time { return time.Unix(1700086400, 0) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewClient(o)
}

func TestClient_ListItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x/web-interface/newlist", r.URL.Path)
		assert.Equal(t, "21", r.URL.Query().Get("rid"))
		assert.Equal(t, "2", r.URL.Query().Get("pn"))
		assert.Equal(t, "50", r.URL.Query().Get("ps"))
		assert.Equal(t, "0", r.URL.Query().Get("type"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "https://www.bilibili.com", r.Header.Get("Referer"))
		assert.Equal(t, "https://www.bilibili.com", r.Header.Get("Origin"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listBody))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	videos, err := client.ListItems(context.Background(), 21, 2, 80)
	require.NoError(t, err)
	require.Len(t, videos, 1)

	v := videos[0]
	assert.Equal(t, "BV1xx411c7mD", v.BVID)
	assert.Equal(t, "uploader", v.UpName)
	assert.Equal(t, int64(42), v.UpID)
	assert.Equal(t, int64(1700000000), v.PubTimestamp)
	assert.Equal(t, int64(100), v.View)
	assert.Equal(t, int64(7), v.Like)
	assert.Equal(t, int64(125), v.Duration)
	assert.Equal(t, "https://www.bilibili.com/video/BV1xx411c7mD", v.VideoURL)
	assert.Equal(t, int64(1700086400), v.FetchTimestamp)
	assert.Equal(t, 21, v.RegionID)
	assert.Nil(t, v.Follower)
}

func TestClient_ListItems_EmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"0","data":{"archives":[]}}`))
	}))
	defer server.Close()

	videos, err := newTestClient(server.URL).ListItems(context.Background(), 21, 9, 50)
	require.NoError(t, err)
	assert.Empty(t, videos)
}

func TestClient_ApplicationError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"code":-412,"message":"request was banned"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListItems(context.Background(), 21, 1, 50)
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindApplication, appErr.Kind)
	assert.Equal(t, -412, appErr.Code)
	assert.Equal(t, "request was banned", appErr.Msg)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{"code":0,"message":"0","data":{"follower":1234}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	followers, err := client.FollowerCount(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), followers)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TimeoutExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(server.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	_, err := client.FollowerCount(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, apperr.IsTimeout(err))
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NonTimeoutFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListItems(context.Background(), 21, 1, 50)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.False(t, apperr.IsTimeout(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FollowerCount_MissingField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x/relation/stat", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("vmid"))
		w.Write([]byte(`{"code":0,"message":"0","data":{"following":3}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FollowerCount(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, apperr.KindApplication, apperr.KindOf(err))
}

func TestClient_UndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>blocked</html>`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListItems(context.Background(), 21, 1, 50)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
}

func TestThrottle(t *testing.T) {
	var slept []time.Duration
	th := NewThrottle(0, 10*time.Millisecond, 20*time.Millisecond)
	th.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, th.Wait(context.Background()))
	}
	require.Len(t, slept, 20)
	for _, d := range slept {
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}

	var nilThrottle *Throttle
	assert.NoError(t, nilThrottle.Wait(context.Background()))
}

func TestJitter(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, Jitter(5*time.Millisecond, 5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, Jitter(5*time.Millisecond, time.Millisecond))
}

func TestClient_RetryDelaysDoubleUpToMax(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	buf := new(bytes.Buffer)
	logger := log.NewWithOptions(buf, log.Options{Level: log.WarnLevel})
	client := newTestClient(server.URL, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.MaxAttempts = 4
		o.BaseDelay = time.Millisecond
		o.MaxDelay = 3 * time.Millisecond
		o.Logger = logger
	})

	_, err := client.FollowerCount(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, apperr.IsTimeout(err))
	assert.Equal(t, int32(4), calls.Load())

	var delays []string
	for _, m := range regexp.MustCompile(`next=(\S+)`).FindAllStringSubmatch(buf.String(), -1) {
		delays = append(delays, m[1])
	}
	assert.Equal(t, []string{"1ms", "2ms", "3ms"}, delays)
}

func TestClient_RotatesUserAgents(t *testing.T) {
	pool := []string{"agent-a", "agent-b", "agent-c"}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("User-Agent")]++
		mu.Unlock()
		w.Write([]byte(`{"code":0,"message":"0","data":{"follower":1}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, func(o *Options) { o.UserAgents = pool })
	for i := 0; i < 60; i++ {
		_, err := client.FollowerCount(context.Background(), 42)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, len(seen), 1)
	for ua := range seen {
		assert.Contains(t, pool, ua)
	}
}
