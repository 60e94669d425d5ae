package queue

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/db"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	gdb, err := gorm.Open(gormsqlite.Open(dsn), db.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// seedEntry inserts a job and one entry in the given status.
func seedEntry(t *testing.T, gdb *gorm.DB, userID string, status EntryStatus, scheduledAt time.Time) *Entry {
	t.Helper()
	jobID, _ := common.NewULID()
	entryID, _ := common.NewULID()

	job := &Job{
		ID:       jobID,
		UserID:   userID,
		Status:   JobPending,
		InputURL: "https://cdn.example.com/" + jobID + ".jpg",
		Style:    "cartoon",
	}
	if err := gdb.Create(job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	e := &Entry{
		ID:          entryID,
		JobID:       jobID,
		UserID:      userID,
		Status:      status,
		ScheduledAt: scheduledAt,
		CreatedAt:   scheduledAt,
		UpdatedAt:   scheduledAt,
	}
	if status.Active() {
		e.ActiveJobID = &jobID
	}
	if status == StatusFailed || status == StatusRetrying {
		msg := "boom"
		e.ErrorMessage = &msg
		e.RetryCount = 2
	}
	if err := gdb.Create(e).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return e
}

func reload(t *testing.T, gdb *gorm.DB, id string) Entry {
	t.Helper()
	var e Entry
	if err := gdb.First(&e, "id = ?", id).Error; err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	return e
}
