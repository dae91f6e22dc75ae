package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftlake/deltawal/pkg/storage"
	"github.com/driftlake/deltawal/pkg/wal"
)

// stubWAL satisfies the device contract without touching disk.
type stubWAL struct{}

func (stubWAL) Start() error    { return nil }
func (stubWAL) Shutdown() error { return nil }
func (stubWAL) Append(data []byte) (wal.AppendResult, error) {
	done := make(chan error, 1)
	done <- nil
	return wal.AppendResult{Done: done}, nil
}
func (stubWAL) Recover() ([]wal.Entry, error) { return nil, nil }
func (stubWAL) Reset() error                  { return nil }
func (stubWAL) Trim(offset int64)             {}
func (stubWAL) TrimOffset() int64             { return -1 }

func newServer(t *testing.T) *Server {
	t.Helper()
	core := storage.New(storage.Config{
		CacheSize:       1 << 20,
		UploadThreshold: 1 << 20,
		DrainInterval:   time.Hour,
	}, storage.Deps{WAL: stubWAL{}})
	return New(":0", core)
}

func TestHealthz(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestStatusz(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("statusz payload not JSON: %v", err)
	}
	if resp.WALConfirmOffset != -1 {
		t.Errorf("confirm offset = %d, want -1 on a fresh core", resp.WALConfirmOffset)
	}
}
