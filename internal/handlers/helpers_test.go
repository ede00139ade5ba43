package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/events"
	"github.com/ternarybob/folio/internal/services/jobdirs"
	badgerstore "github.com/ternarybob/folio/internal/storage/badger"
)

type testEnv struct {
	db     *badgerstore.BadgerDB
	queue  *badgerstore.QueueStorage
	flags  *badgerstore.FlagStorage
	dirs   *jobdirs.Manager
	bus    *events.MemoryBus
	logger arbor.ILogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue, err := badgerstore.NewQueueStorage(db, logger, "test_jobs", time.Minute, 3)
	require.NoError(t, err)

	dirs, err := jobdirs.NewManager(t.TempDir(), "/api", logger)
	require.NoError(t, err)

	bus := events.NewMemoryBus(logger, 64)
	t.Cleanup(func() { bus.Close() })

	return &testEnv{
		db:     db,
		queue:  queue,
		flags:  badgerstore.NewFlagStorage(db, logger, time.Minute),
		dirs:   dirs,
		bus:    bus,
		logger: logger,
	}
}

func (e *testEnv) generateHandler(limiter *TenantLimiter) *GenerateHandler {
	return NewGenerateHandler(e.queue, e.flags, e.dirs, limiter, JobPolicy{
		JobTimeout: time.Minute,
		FailureTTL: time.Hour,
		ResultTTL:  time.Hour,
	}, "/api", "public", nil, e.logger)
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
		reader = http.NoBody
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// sseFrame is one parsed "event:/data:" block
type sseFrame struct {
	Event string
	Data  string
}

// readSSEFrames parses frames from r and sends them on the returned channel until EOF
func readSSEFrames(r io.Reader) <-chan sseFrame {
	out := make(chan sseFrame, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		var cur sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.Event != "" {
					out <- cur
				}
				cur = sseFrame{}
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan sseFrame) (sseFrame, bool) {
	t.Helper()
	select {
	case f, ok := <-frames:
		return f, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return sseFrame{}, false
	}
}

// nextNonPing skips keep-alive frames
func nextNonPing(t *testing.T, frames <-chan sseFrame) (sseFrame, bool) {
	t.Helper()
	for {
		f, ok := nextFrame(t, frames)
		if !ok || f.Event != string(models.EventPing) {
			return f, ok
		}
	}
}
