package statestore_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/agent-state/pkg/fs"
	"github.com/calvinalkan/agent-state/pkg/schema"
	"github.com/calvinalkan/agent-state/pkg/statestore"
)

type harness struct {
	dir       string
	path      string
	validator *schema.Validator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "schemas")

	if _, err := schema.InstallBuiltin(fs.NewReal(), schemaDir); err != nil {
		t.Fatalf("InstallBuiltin: %v", err)
	}

	v, err := schema.NewValidator(schemaDir, schema.Options{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	return &harness{dir: dir, path: filepath.Join(dir, "state", "state.json"), validator: v}
}

func (h *harness) open(t *testing.T, mods ...func(*statestore.Config)) *statestore.Store {
	t.Helper()

	cfg := statestore.Config{Path: h.path, Validator: h.validator}
	for _, mod := range mods {
		mod(&cfg)
	}

	store, err := statestore.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return store
}

func (h *harness) seed(t *testing.T, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(h.path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) raw(t *testing.T) []byte {
	t.Helper()

	data, err := os.ReadFile(h.path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	return data
}

func (h *harness) doc(t *testing.T) map[string]any {
	t.Helper()

	var doc map[string]any
	if err := json.Unmarshal(h.raw(t), &doc); err != nil {
		t.Fatalf("state is not JSON: %v", err)
	}

	return doc
}

func modernDoc(v, g float64, payload map[string]any) map[string]any {
	return map[string]any{
		"header":  map[string]any{"v": v, "g": g},
		"payload": payload,
		"g":       g,
	}
}

func Test_Read_Returns_Empty_Record_Without_Side_Effects_When_No_File(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	rec, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if rec.Exists() || rec.Shape() != statestore.ShapeNone {
		t.Fatalf("shape=%v, want none", rec.Shape())
	}

	if rec.Version() != -1 || rec.Global() != -1 {
		t.Fatalf("version=%d global=%d, want -1 -1", rec.Version(), rec.Global())
	}

	if diff := cmp.Diff(map[string]any{}, rec.Payload()); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Dir(h.path)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir was created by Read: %v", err)
	}
}

func Test_First_Write_Creates_Version_Zero_And_Stale_Write_Is_Rejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	if _, err := store.Write(map[string]any{"name": "a"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := modernDoc(0, 0, map[string]any{"name": "a"})
	if diff := cmp.Diff(want, h.doc(t)); diff != "" {
		t.Fatalf("state after first write (-want +got):\n%s", diff)
	}

	_, err := store.CompareAndWrite(map[string]any{"name": "b"}, 1)
	if !errors.Is(err, statestore.ErrStaleState) {
		t.Fatalf("CompareAndWrite(v=1): err=%v, want %v", err, statestore.ErrStaleState)
	}

	if got := statestore.Classify(err); got != statestore.KindConflict {
		t.Fatalf("Classify=%v, want %v", got, statestore.KindConflict)
	}

	if diff := cmp.Diff(want, h.doc(t)); diff != "" {
		t.Fatalf("state after rejected write (-want +got):\n%s", diff)
	}
}

func Test_Write_Then_Read_Round_Trips_Payload_And_Advances_Counters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	payload := map[string]any{
		"name":  "job",
		"count": json.Number("3"),
		"tags":  []any{"x", "y"},
		"meta":  map[string]any{"ok": true, "none": nil},
	}

	for version := int64(-1); version < 3; version++ {
		before, err := store.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}

		if _, err := store.CompareAndWrite(payload, version); err != nil {
			t.Fatalf("CompareAndWrite(%d): %v", version, err)
		}

		after, err := store.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}

		if after.Version() != version+1 || after.Global() != before.Global()+1 {
			t.Fatalf("after write %d: v=%d g=%d, want v=%d g=%d",
				version, after.Version(), after.Global(), version+1, before.Global()+1)
		}

		if diff := cmp.Diff(payload, after.Payload()); diff != "" {
			t.Fatalf("payload (-want +got):\n%s", diff)
		}
	}
}

func Test_Second_Writer_At_Same_Version_Fails_And_Leaves_First_Write(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	setup := h.open(t)

	if _, err := setup.Write(map[string]any{"step": "base"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	first := h.open(t)
	second := h.open(t)

	recA, err := first.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	recB, err := second.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if _, err := first.CompareAndWrite(map[string]any{"step": "a"}, recA.Version()); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	afterFirst := h.raw(t)

	_, err = second.CompareAndWrite(map[string]any{"step": "b"}, recB.Version())
	if !errors.Is(err, statestore.ErrStaleState) {
		t.Fatalf("second writer: err=%v, want %v", err, statestore.ErrStaleState)
	}

	if diff := cmp.Diff(string(afterFirst), string(h.raw(t))); diff != "" {
		t.Fatalf("file changed by rejected writer (-want +got):\n%s", diff)
	}
}

func Test_Legacy_Envelope_Is_Read_And_Incremented_In_Place(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, `{"g": 41}`)
	store := h.open(t)

	rec, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if rec.Shape() != statestore.ShapeLegacy || rec.Global() != 41 || rec.Version() != -1 {
		t.Fatalf("shape=%v g=%d v=%d, want legacy 41 -1", rec.Shape(), rec.Global(), rec.Version())
	}

	next, err := store.IncrementGlobalCounterAndWrite()
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if next != 42 {
		t.Fatalf("Increment=%d, want 42", next)
	}

	if diff := cmp.Diff(map[string]any{"g": float64(42)}, h.doc(t)); diff != "" {
		t.Fatalf("legacy shape not preserved (-want +got):\n%s", diff)
	}
}

func Test_Write_Upgrades_Legacy_Envelope(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, `{"g": 7}`)
	store := h.open(t)

	if _, err := store.CompareAndWrite(map[string]any{"k": "v"}, -1); err != nil {
		t.Fatalf("CompareAndWrite: %v", err)
	}

	if diff := cmp.Diff(modernDoc(0, 8, map[string]any{"k": "v"}), h.doc(t)); diff != "" {
		t.Fatalf("upgraded state (-want +got):\n%s", diff)
	}
}

func Test_Increment_Creates_Missing_File_Then_Advances_Only_Global(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	for want := int64(0); want < 3; want++ {
		got, err := store.IncrementGlobalCounterAndWrite()
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}

		if got != want {
			t.Fatalf("Increment=%d, want %d", got, want)
		}
	}

	if diff := cmp.Diff(modernDoc(0, 2, map[string]any{}), h.doc(t)); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}
}

func Test_Increment_Preserves_Modern_Payload_And_Version(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, `{"header": {"v": 4, "g": 10}, "payload": {"z": 1, "a": {"deep": [1, "two", null]}}, "g": 10}`)
	store := h.open(t)

	before, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	got, err := store.IncrementGlobalCounterAndWrite()
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if got != 11 {
		t.Fatalf("Increment=%d, want 11", got)
	}

	after, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if after.Version() != 4 || after.Global() != 11 {
		t.Fatalf("v=%d g=%d, want 4 11", after.Version(), after.Global())
	}

	if diff := cmp.Diff(before.Payload(), after.Payload()); diff != "" {
		t.Fatalf("payload changed (-before +after):\n%s", diff)
	}
}

func Test_Concurrent_Increments_Never_Lose_Updates(t *testing.T) {
	t.Parallel()

	lockers := map[string]func(fs.FS) fs.Locker{
		"flock":  func(fsys fs.FS) fs.Locker { return fs.NewDefaultLocker(fsys, 10*time.Second) },
		"marker": func(fsys fs.FS) fs.Locker { return fs.NewMarkerLocker(fsys, 10*time.Second) },
	}

	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)

			const (
				workers = 6
				each    = 8
			)

			var (
				mu  sync.Mutex
				got []int64
				wg  sync.WaitGroup
			)

			for range workers {
				wg.Add(1)

				// One store per worker, each with its own descriptors, like
				// separate processes.
				store := h.open(t, func(c *statestore.Config) {
					c.Locker = newLocker(fs.NewReal())
				})

				go func() {
					defer wg.Done()

					for range each {
						n, err := store.IncrementGlobalCounterAndWrite()
						if err != nil {
							t.Errorf("Increment: %v", err)

							return
						}

						mu.Lock()
						got = append(got, n)
						mu.Unlock()
					}
				}()
			}

			wg.Wait()

			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

			want := make([]int64, workers*each)
			for i := range want {
				want[i] = int64(i)
			}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("counter values (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Failed_Rename_Leaves_State_Unchanged_And_No_Temp_Files(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	faulty := fs.NewFaulty(fs.NewReal())
	store := h.open(t, func(c *statestore.Config) { c.FS = faulty })

	if _, err := store.Write(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	before := h.raw(t)

	faulty.FailIf(fs.OpRename, func(p string) bool { return p == h.path }, syscall.EIO)

	_, err := store.Write(map[string]any{"n": float64(2)})
	if !errors.Is(err, fs.ErrAtomicWriteRename) {
		t.Fatalf("Write: err=%v, want %v", err, fs.ErrAtomicWriteRename)
	}

	if _, err := store.IncrementGlobalCounterAndWrite(); !errors.Is(err, fs.ErrAtomicWriteRename) {
		t.Fatalf("Increment: err=%v, want %v", err, fs.ErrAtomicWriteRename)
	}

	if diff := cmp.Diff(string(before), string(h.raw(t))); diff != "" {
		t.Fatalf("state changed (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(h.path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	for _, e := range entries {
		if fs.IsAtomicTempFile(e.Name()) {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func Test_Locked_Replace_Propagates_Unless_Skip_Is_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		errno    syscall.Errno
		skip     bool
		wantErr  bool
		wantKind statestore.Kind
	}{
		{name: "busy propagates", errno: syscall.EBUSY, wantErr: true, wantKind: statestore.KindInternal},
		{name: "access denied propagates", errno: syscall.EACCES, wantErr: true, wantKind: statestore.KindPermission},
		{name: "busy skipped", errno: syscall.EBUSY, skip: true},
		{name: "access denied skipped", errno: syscall.EACCES, skip: true},
		{name: "other errors still propagate", errno: syscall.EIO, skip: true, wantErr: true, wantKind: statestore.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			faulty := fs.NewFaulty(fs.NewReal())
			store := h.open(t, func(c *statestore.Config) {
				c.FS = faulty
				c.SkipLockedReplace = tt.skip
			})

			if _, err := store.Write(map[string]any{"n": float64(1)}); err != nil {
				t.Fatalf("Write: %v", err)
			}

			before := h.raw(t)

			faulty.FailIf(fs.OpRename, func(p string) bool { return p == h.path }, tt.errno)

			_, err := store.Write(map[string]any{"n": float64(2)})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Write: err=%v, wantErr=%v", err, tt.wantErr)
			}

			if err != nil && statestore.Classify(err) != tt.wantKind {
				t.Fatalf("Classify=%v, want %v", statestore.Classify(err), tt.wantKind)
			}

			if diff := cmp.Diff(string(before), string(h.raw(t))); diff != "" {
				t.Fatalf("state changed (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Increment_Never_Skips_Locked_Replace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	faulty := fs.NewFaulty(fs.NewReal())
	store := h.open(t, func(c *statestore.Config) {
		c.FS = faulty
		c.SkipLockedReplace = true
	})

	faulty.FailIf(fs.OpRename, func(p string) bool { return p == h.path }, syscall.EBUSY)

	if _, err := store.IncrementGlobalCounterAndWrite(); !errors.Is(err, syscall.EBUSY) {
		t.Fatalf("Increment: err=%v, want EBUSY", err)
	}
}

func Test_Read_Permission_Error_Degrades_Only_When_Enabled(t *testing.T) {
	t.Parallel()

	for _, degrade := range []bool{false, true} {
		h := newHarness(t)
		faulty := fs.NewFaulty(fs.NewReal())
		store := h.open(t, func(c *statestore.Config) {
			c.FS = faulty
			c.DegradeOnPermission = degrade
		})

		if _, err := store.Write(map[string]any{"n": float64(1)}); err != nil {
			t.Fatalf("Write: %v", err)
		}

		faulty.Fail(fs.OpReadFile, os.ErrPermission)

		rec, err := store.Read()

		if !degrade {
			if statestore.Classify(err) != statestore.KindPermission {
				t.Fatalf("Read: err=%v, want permission error", err)
			}

			continue
		}

		if err != nil {
			t.Fatalf("Read with degrade: %v", err)
		}

		if rec.Exists() {
			t.Fatalf("Read with degrade: got %v record, want empty", rec.Shape())
		}

		// Writes never degrade.
		if _, err := store.Write(map[string]any{"n": float64(2)}); !errors.Is(err, os.ErrPermission) {
			t.Fatalf("Write: err=%v, want permission error", err)
		}
	}
}

func Test_Read_Falls_Back_To_Lock_Free_Read_Only_When_Allowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	writer := h.open(t)

	if _, err := writer.Write(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	holder := fs.NewDefaultLocker(fs.NewReal(), 0)

	lk, err := holder.Acquire(writer.LockPath(), fs.LockOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	defer func() { _ = lk.Close() }()

	strict := h.open(t, func(c *statestore.Config) { c.LockTimeout = 20 * time.Millisecond })

	_, err = strict.Read()
	if !errors.Is(err, fs.ErrWriteConflict) {
		t.Fatalf("strict Read: err=%v, want %v", err, fs.ErrWriteConflict)
	}

	lenient := h.open(t, func(c *statestore.Config) {
		c.LockTimeout = 20 * time.Millisecond
		c.AllowStaleRead = true
	})

	rec, err := lenient.Read()
	if err != nil {
		t.Fatalf("lenient Read: %v", err)
	}

	if diff := cmp.Diff(map[string]any{"n": json.Number("1")}, rec.Payload()); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}

	// Writers never fall back.
	if _, err := lenient.Write(nil); !errors.Is(err, fs.ErrWriteConflict) {
		t.Fatalf("Write under held lock: err=%v, want %v", err, fs.ErrWriteConflict)
	}
}

func Test_SetField_Merges_Into_Payload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	if _, err := store.Write(map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := store.SetField("b", "x"); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	if _, err := store.SetField("a", []any{true}); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	if diff := cmp.Diff(modernDoc(2, 2, map[string]any{"a": []any{true}, "b": "x"}), h.doc(t)); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}

	if _, err := store.SetField("", 1); !errors.Is(err, statestore.ErrInvalidConfig) {
		t.Fatalf("SetField(empty key): err=%v, want %v", err, statestore.ErrInvalidConfig)
	}
}

func Test_SetField_Leaves_Other_Numbers_Exact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, `{"header": {"v": 0, "g": 0}, "payload": {"id": 9007199254740993, "ratio": 0.1}, "g": 0}`)
	store := h.open(t)

	rec, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got := rec.Payload()["id"]; got != json.Number("9007199254740993") {
		t.Fatalf("Payload()[id]=%#v, want json.Number 9007199254740993", got)
	}

	if _, err := store.SetField("x", 1); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	var doc struct {
		Payload map[string]json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(h.raw(t), &doc); err != nil {
		t.Fatalf("state is not JSON: %v", err)
	}

	want := map[string]string{"id": "9007199254740993", "ratio": "0.1", "x": "1"}

	got := map[string]string{}
	for k, v := range doc.Payload {
		got[k] = string(v)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload literals (-want +got):\n%s", diff)
	}
}

func Test_Writes_Return_The_Committed_Record(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)
	other := h.open(t)

	rec, err := store.Write(map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if rec.Shape() != statestore.ShapeModern || rec.Version() != 0 || rec.Global() != 0 {
		t.Fatalf("Write: shape=%v v=%d g=%d, want modern 0 0", rec.Shape(), rec.Version(), rec.Global())
	}

	if _, err := other.Write(map[string]any{"a": "c"}); err != nil {
		t.Fatalf("other Write: %v", err)
	}

	rec, err = store.SetField("n", 2)
	if err != nil {
		t.Fatalf("SetField: %v", err)
	}

	if rec.Version() != 2 || rec.Global() != 2 {
		t.Fatalf("SetField: v=%d g=%d, want 2 2", rec.Version(), rec.Global())
	}

	if diff := cmp.Diff(map[string]any{"a": "c", "n": json.Number("2")}, rec.Payload()); diff != "" {
		t.Fatalf("SetField payload (-want +got):\n%s", diff)
	}

	if _, err := other.IncrementGlobalCounterAndWrite(); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	rec, err = store.CompareAndWrite(nil, 2)
	if err != nil {
		t.Fatalf("CompareAndWrite: %v", err)
	}

	if rec.Version() != 3 || rec.Global() != 4 {
		t.Fatalf("CompareAndWrite: v=%d g=%d, want 3 4", rec.Version(), rec.Global())
	}
}

func Test_Unreadable_State_Is_Reported_And_Never_Overwritten(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		kind    statestore.Kind
	}{
		{name: "not json", content: `{"g": `, kind: statestore.KindDecode},
		{name: "empty file", content: ``, kind: statestore.KindDecode},
		{name: "array", content: `[1, 2]`, kind: statestore.KindDecode},
		{name: "negative version", content: `{"header": {"v": -1, "g": 0}, "payload": {}, "g": 0}`, kind: statestore.KindContract},
		{name: "unknown key", content: `{"g": 1, "x": 2}`, kind: statestore.KindContract},
		{name: "no counter", content: `{"payload": {}}`, kind: statestore.KindContract},
		{name: "payload without header", content: `{"g": 3, "payload": {"keep": true}}`, kind: statestore.KindContract},
		{name: "header without mirror", content: `{"header": {"v": 0, "g": 0}, "payload": {}}`, kind: statestore.KindContract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.seed(t, tt.content)
			store := h.open(t)

			_, err := store.Read()
			if got := statestore.Classify(err); got != tt.kind {
				t.Fatalf("Read: err=%v kind=%v, want %v", err, got, tt.kind)
			}

			if _, err := store.Write(map[string]any{}); statestore.Classify(err) != tt.kind {
				t.Fatalf("Write: err=%v, want kind %v", err, tt.kind)
			}

			if _, err := store.IncrementGlobalCounterAndWrite(); statestore.Classify(err) != tt.kind {
				t.Fatalf("Increment: err=%v, want kind %v", err, tt.kind)
			}

			if got := string(h.raw(t)); got != tt.content {
				t.Fatalf("state overwritten: %q", got)
			}
		})
	}
}

func Test_Flat_Envelope_With_Extra_Keys_Is_Never_Read_As_Legacy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "schemas")

	if err := os.MkdirAll(schemaDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// A registry whose state schema accepts any object.
	if err := os.WriteFile(filepath.Join(schemaDir, schema.StateID+schema.FileSuffix), []byte(`{"type": "object"}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	v, err := schema.NewValidator(schemaDir, schema.Options{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	h := &harness{dir: dir, path: filepath.Join(dir, "state.json"), validator: v}

	const content = `{"g": 3, "payload": {"keep": true}}`

	h.seed(t, content)
	store := h.open(t)

	if _, err := store.Read(); !errors.Is(err, statestore.ErrDecode) {
		t.Fatalf("Read: err=%v, want %v", err, statestore.ErrDecode)
	}

	if _, err := store.IncrementGlobalCounterAndWrite(); !errors.Is(err, statestore.ErrDecode) {
		t.Fatalf("Increment: err=%v, want %v", err, statestore.ErrDecode)
	}

	if got := string(h.raw(t)); got != content {
		t.Fatalf("state overwritten: %q", got)
	}
}

func Test_Header_Global_Wins_Over_Mirror(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, `{"header": {"v": 2, "g": 5}, "payload": {}, "g": 4}`)
	store := h.open(t)

	rec, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if rec.Global() != 5 {
		t.Fatalf("Global=%d, want 5", rec.Global())
	}

	if _, err := store.IncrementGlobalCounterAndWrite(); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if diff := cmp.Diff(modernDoc(2, 6, map[string]any{}), h.doc(t)); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}
}

func Test_Readers_Never_See_Partial_State_During_Writes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t)

	if _, err := store.Write(map[string]any{"blob": ""}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
			}

			data, err := os.ReadFile(h.path)
			if err != nil {
				t.Errorf("ReadFile: %v", err)

				return
			}

			if !json.Valid(data) {
				t.Errorf("torn state observed: %q", data)

				return
			}
		}
	}()

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}

	for i := range 20 {
		if _, err := store.Write(map[string]any{"blob": string(big[:(i+1)*3000])}); err != nil {
			t.Errorf("Write: %v", err)

			break
		}
	}

	close(done)
	wg.Wait()
}

func Test_Store_Works_With_Marker_Locker(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := h.open(t, func(c *statestore.Config) {
		c.Locker = fs.NewMarkerLocker(fs.NewReal(), time.Second)
	})

	if _, err := store.Write(map[string]any{"a": "b"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := store.SetField("c", "d"); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	rec, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if diff := cmp.Diff(map[string]any{"a": "b", "c": "d"}, rec.Payload()); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(h.path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	if diff := cmp.Diff([]string{"state.json", "state.json.lock"}, names); diff != "" {
		t.Fatalf("markers left behind (-want +got):\n%s", diff)
	}
}
