package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/logging"
	"github.com/coachdesk/filevault/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeDeleter struct {
	deleted []string
	err     error
}

func (d *fakeDeleter) Delete(ctx context.Context, loc *storage.Location) error {
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, loc.OpaqueName)
	return nil
}

func newTestService(t *testing.T, maxVersions int, retention time.Duration) (*Service, *MemoryRepository, *fakeDeleter, *fakeClock) {
	t.Helper()
	repo := NewMemoryRepository()
	deleter := &fakeDeleter{}
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewService(repo, deleter, clock, logger, maxVersions, retention), repo, deleter, clock
}

func testObject(name string) *StoredObject {
	return &StoredObject{
		TenantID:   "tenant-1",
		OwnerID:    "coach-7",
		OpaqueName: name,
		Category:   common.CategoryDocument,
		Size:       1024,
		Hash:       "aaaa",
		Key:        "document/coach-7/2026/03/" + name,
		LocalPath:  "/var/lib/filevault/document/coach-7/2026/03/" + name,
	}
}

func TestRecordUploadMintsIdentityAndVersionOne(t *testing.T) {
	svc, repo, _, _ := newTestService(t, 3, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("a1.pdf"), &AuditEvent{
		ActorID:  "coach-7",
		TenantID: "tenant-1",
		Detail:   "quarterly-report.pdf",
	})
	require.NoError(t, err)
	require.NotZero(t, obj.ID)

	versions, err := repo.VersionsByObject(ctx, obj.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, "coach-7", versions[0].CreatedBy)

	events, err := repo.EventsByOpaqueName(ctx, obj.OpaqueName)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionUpload, events[0].Action)
	assert.Equal(t, "quarterly-report.pdf", events[0].Detail)
}

func TestObjectNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t, 3, time.Hour)

	_, err := svc.Object(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestDeleteLeavesReadableTombstone(t *testing.T) {
	svc, _, _, _ := newTestService(t, 3, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("b2.pdf"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	require.NoError(t, svc.RecordDelete(ctx, obj, &AuditEvent{ActorID: "coach-7", Detail: "client request"}))

	// The live view rejects the tombstone.
	_, err = svc.Object(ctx, obj.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	// The audit view still reconstructs the full timeline.
	hist, err := svc.History(ctx, obj.ID)
	require.NoError(t, err)
	require.NotNil(t, hist.Object.DeletedAt)
	require.Len(t, hist.Events, 2)
	assert.Equal(t, ActionDelete, hist.Events[0].Action)
	assert.Equal(t, ActionUpload, hist.Events[1].Action)
}

func TestAddVersionEvictsOldestAtCapacity(t *testing.T) {
	const maxVersions = 3
	svc, repo, deleter, clock := newTestService(t, maxVersions, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("v0"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	// Push well past the bound.
	names := []string{"v1", "v2", "v3", "v4"}
	for i, name := range names {
		clock.advance(time.Minute)
		obj.OpaqueName = name
		obj.Key = "document/coach-7/2026/03/" + name
		version, err := svc.AddVersion(ctx, obj, &AuditEvent{ActorID: "coach-7"}, "rev")
		require.NoError(t, err)
		assert.Equal(t, i+2, version)

		count, err := repo.CountVersions(ctx, obj.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, count, maxVersions)
	}

	versions, err := svc.Versions(ctx, obj.ID)
	require.NoError(t, err)
	require.Len(t, versions, maxVersions)
	// Newest first; the oldest survivors are v2..v4.
	assert.Equal(t, 5, versions[0].Version)
	assert.Equal(t, 3, versions[maxVersions-1].Version)

	// Evicted bytes were deleted oldest-first, before each insert.
	assert.Equal(t, []string{"v0", "v1"}, deleter.deleted)
}

func TestAddVersionEvictionFailureKeepsRow(t *testing.T) {
	svc, repo, deleter, _ := newTestService(t, 1, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("keep"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	deleter.err = assert.AnError
	obj.OpaqueName = "next"
	_, err = svc.AddVersion(ctx, obj, &AuditEvent{ActorID: "coach-7"}, "")
	require.Error(t, err)
	assert.Equal(t, common.KindStorageFailed, common.KindOf(err))

	// The version row is only released after its bytes are gone.
	count, err := repo.CountVersions(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAddVersionUpdatesCurrent(t *testing.T) {
	svc, _, _, _ := newTestService(t, 5, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("first"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	obj.OpaqueName = "second"
	obj.Size = 2048
	obj.Hash = "bbbb"
	_, err = svc.AddVersion(ctx, obj, &AuditEvent{ActorID: "coach-7"}, "reupload")
	require.NoError(t, err)

	current, err := svc.Object(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), current.Size)
	assert.Equal(t, "bbbb", current.Hash)
}

func TestPurgeKeepsUploadEvents(t *testing.T) {
	svc, repo, _, clock := newTestService(t, 3, time.Hour)
	ctx := context.Background()

	obj, err := svc.RecordUpload(ctx, testObject("audited"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)
	require.NoError(t, svc.RecordDownload(ctx, obj, &AuditEvent{ActorID: "client-3"}))

	// Age everything past the window, then add one fresh download.
	clock.advance(2 * time.Hour)
	require.NoError(t, svc.RecordDownload(ctx, obj, &AuditEvent{ActorID: "client-4"}))

	purged, err := svc.PurgeExpiredEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	events, err := repo.EventsByOpaqueName(ctx, obj.OpaqueName)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ActionDownload, events[0].Action)
	assert.Equal(t, "client-4", events[0].ActorID)
	assert.Equal(t, ActionUpload, events[1].Action)
}

func TestStatsSkipsTombstones(t *testing.T) {
	svc, _, _, _ := newTestService(t, 3, time.Hour)
	ctx := context.Background()

	_, err := svc.RecordUpload(ctx, testObject("live"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	img := testObject("img")
	img.Category = common.CategoryImage
	img.Size = 500
	_, err = svc.RecordUpload(ctx, img, &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)

	gone, err := svc.RecordUpload(ctx, testObject("gone"), &AuditEvent{ActorID: "coach-7"})
	require.NoError(t, err)
	require.NoError(t, svc.RecordDelete(ctx, gone, &AuditEvent{ActorID: "coach-7"}))

	stats, err := svc.Stats(ctx, "coach-7", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, int64(1524), stats.TotalBytes)
	assert.Equal(t, int64(1), stats.ByCategory[common.CategoryImage])
	assert.Equal(t, int64(1), stats.ByCategory[common.CategoryDocument])
}
