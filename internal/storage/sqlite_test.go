package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
	"github.com/eventwatcher/eventwatcher/internal/storage"
)

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(group string, epoch int64, path string) storage.SampleRecord {
	return storage.NewSampleRecord(group, epoch, path, snapshot.Metrics{
		Kind:         snapshot.KindFile,
		Size:         epoch * 10,
		UserID:       1000,
		GroupID:      1000,
		Mode:         0o644,
		LastModified: float64(epoch),
		CreationTime: float64(epoch),
		MD5:          "md5-" + path,
		SHA256:       "sha-" + path,
	})
}

func insertRecord(t *testing.T, store storage.Store, rec storage.SampleRecord) {
	t.Helper()
	if err := store.InsertSample(context.Background(), rec); err != nil {
		t.Fatalf("InsertSample: %v", err)
	}
}

func TestSQLite_LatestSample(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// No samples yet.
	got, err := store.LatestSample(ctx, "g")
	if err != nil {
		t.Fatalf("LatestSample: %v", err)
	}
	if got != nil {
		t.Fatalf("LatestSample on empty store = %+v, want nil", got)
	}

	insertRecord(t, store, testRecord("g", 100, "/a"))
	insertRecord(t, store, testRecord("g", 100, "/b"))
	insertRecord(t, store, testRecord("g", 200, "/a"))
	insertRecord(t, store, testRecord("other", 300, "/x"))

	got, err = store.LatestSample(ctx, "g")
	if err != nil {
		t.Fatalf("LatestSample: %v", err)
	}
	if got == nil || got.Epoch != 200 {
		t.Fatalf("LatestSample epoch = %+v, want 200", got)
	}
	if len(got.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(got.Entries))
	}
	m, ok := got.Entries["/a"]
	if !ok {
		t.Fatalf("Entries missing /a: %+v", got.Entries)
	}
	if m.Size != 2000 || m.MD5 != "md5-/a" || m.LastModified != 200 {
		t.Errorf("metrics round trip = %+v", m)
	}
	if m.PatternFound != nil {
		t.Errorf("PatternFound = %v, want nil", *m.PatternFound)
	}
}

func TestSQLite_PatternFoundRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("g", 1, "/p")
	rec.PatternFound = snapshot.Bool(true)
	insertRecord(t, store, rec)

	got, err := store.GetSampleRecord(ctx, "g", 1, "/p")
	if err != nil {
		t.Fatalf("GetSampleRecord: %v", err)
	}
	if got == nil || got.PatternFound == nil || !*got.PatternFound {
		t.Errorf("PatternFound round trip = %+v", got)
	}
}

func TestSQLite_GetSampleRecordAbsent(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetSampleRecord(context.Background(), "g", 1, "/nope")
	if err != nil {
		t.Fatalf("GetSampleRecord: %v", err)
	}
	if got != nil {
		t.Errorf("absent record = %+v, want nil", got)
	}
}

func TestSQLite_LastNSampleEpochs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, epoch := range []int64{10, 20, 30} {
		insertRecord(t, store, testRecord("g", epoch, "/a"))
		insertRecord(t, store, testRecord("g", epoch, "/b"))
	}

	epochs, err := store.LastNSampleEpochs(ctx, "g", 2)
	if err != nil {
		t.Fatalf("LastNSampleEpochs: %v", err)
	}
	if len(epochs) != 2 || epochs[0] != 30 || epochs[1] != 20 {
		t.Errorf("epochs = %v, want [30 20]", epochs)
	}

	epochs, err = store.LastNSampleEpochs(ctx, "g", 10)
	if err != nil {
		t.Fatalf("LastNSampleEpochs: %v", err)
	}
	if len(epochs) != 3 {
		t.Errorf("len(epochs) = %d, want 3", len(epochs))
	}
}

// Retention keeps the last N epochs: prune below the Nth most recent.
func TestSQLite_PruneSamplesRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, epoch := range []int64{1, 2, 3} {
		insertRecord(t, store, testRecord("g", epoch, "/a"))
		insertRecord(t, store, testRecord("g", epoch, "/b"))
	}
	insertRecord(t, store, testRecord("other", 1, "/x"))

	epochs, err := store.LastNSampleEpochs(ctx, "g", 2)
	if err != nil {
		t.Fatalf("LastNSampleEpochs: %v", err)
	}
	cutoff := epochs[len(epochs)-1]

	deleted, err := store.PruneSamples(ctx, "g", cutoff)
	if err != nil {
		t.Fatalf("PruneSamples: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	n, err := store.CountSampleEpochs(ctx, "g")
	if err != nil {
		t.Fatalf("CountSampleEpochs: %v", err)
	}
	if n != 2 {
		t.Errorf("remaining epochs = %d, want 2", n)
	}

	// Other groups are untouched.
	n, err = store.CountSampleEpochs(ctx, "other")
	if err != nil {
		t.Fatalf("CountSampleEpochs: %v", err)
	}
	if n != 1 {
		t.Errorf("other group epochs = %d, want 1", n)
	}
}

func TestSQLite_Events(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := storage.EventRecord{
		UID:           "uid-1",
		WatchGroup:    "g",
		RuleName:      "grew",
		EventType:     "size_changed",
		Severity:      "warning",
		AffectedFiles: []string{"/a", "/b"},
		SampleEpoch:   100,
		Timestamp:     time.Now().UTC(),
	}
	second := first
	second.UID = "uid-2"
	second.AffectedFiles = []string{"/c"}
	second.SampleEpoch = 200
	other := first
	other.UID = "uid-3"
	other.WatchGroup = "other"

	for _, rec := range []storage.EventRecord{first, second, other} {
		if err := store.InsertEvent(ctx, rec); err != nil {
			t.Fatalf("InsertEvent %s: %v", rec.UID, err)
		}
	}

	all, err := store.Events(ctx, "")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].UID != "uid-1" || all[2].UID != "uid-3" {
		t.Errorf("insertion order not preserved: %v, %v", all[0].UID, all[2].UID)
	}

	grouped, err := store.Events(ctx, "g")
	if err != nil {
		t.Fatalf("Events(g): %v", err)
	}
	if len(grouped) != 2 {
		t.Errorf("len(grouped) = %d, want 2", len(grouped))
	}
	if len(grouped[0].AffectedFiles) != 2 || grouped[0].AffectedFiles[0] != "/a" {
		t.Errorf("AffectedFiles round trip = %v", grouped[0].AffectedFiles)
	}
}

func TestSQLite_LastEventForRule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, files := range [][]string{{"/a"}, {"/b"}, {"/a", "/c"}} {
		rec := storage.EventRecord{
			UID:           "uid-" + string(rune('1'+i)),
			WatchGroup:    "g",
			RuleName:      "r",
			AffectedFiles: files,
			SampleEpoch:   int64(100 + i),
			Timestamp:     time.Now().UTC(),
		}
		if err := store.InsertEvent(ctx, rec); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	// Most recent event mentioning /a is the third one.
	got, err := store.LastEventForRule(ctx, "g", "r", "/a")
	if err != nil {
		t.Fatalf("LastEventForRule: %v", err)
	}
	if got == nil || got.SampleEpoch != 102 {
		t.Errorf("LastEventForRule = %+v, want epoch 102", got)
	}

	got, err = store.LastEventForRule(ctx, "g", "r", "/nowhere")
	if err != nil {
		t.Fatalf("LastEventForRule: %v", err)
	}
	if got != nil {
		t.Errorf("LastEventForRule for unseen path = %+v, want nil", got)
	}

	got, err = store.LastEventForRule(ctx, "g", "unknown-rule", "/a")
	if err != nil {
		t.Fatalf("LastEventForRule: %v", err)
	}
	if got != nil {
		t.Errorf("LastEventForRule for unknown rule = %+v, want nil", got)
	}
}

func TestSQLite_LastMetric(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	insertRecord(t, store, testRecord("g", 100, "/var/log/app.log"))
	insertRecord(t, store, testRecord("g", 200, "/var/log/app.log"))
	insertRecord(t, store, testRecord("g", 300, "/etc/passwd"))

	// Latest value across all matching paths, newest epoch first.
	v, err := store.LastMetric(ctx, "g", "/var/log/*", "size")
	if err != nil {
		t.Fatalf("LastMetric: %v", err)
	}
	if v != int64(2000) {
		t.Errorf("LastMetric = %v (%T), want 2000", v, v)
	}

	v, err = store.LastMetric(ctx, "g", "/nothing/*", "size")
	if err != nil {
		t.Fatalf("LastMetric: %v", err)
	}
	if v != nil {
		t.Errorf("LastMetric for no match = %v, want nil", v)
	}

	if _, err := store.LastMetric(ctx, "g", "/var/log/*", "id; DROP TABLE samples"); err == nil {
		t.Fatal("LastMetric accepted a non-metric column")
	}
}

func TestSQLite_LastMetricPatternFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("g", 1, "/p")
	rec.PatternFound = snapshot.Bool(true)
	insertRecord(t, store, rec)

	v, err := store.LastMetric(ctx, "g", "/p", "pattern_found")
	if err != nil {
		t.Fatalf("LastMetric: %v", err)
	}
	if v != true {
		t.Errorf("pattern_found = %v (%T), want true", v, v)
	}
}
