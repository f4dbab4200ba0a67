// pack/pack_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path"
	"testing"

	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/catalog"
	"github.com/mmp/vbk/item"
	"github.com/mmp/vbk/kv"
	"github.com/mmp/vbk/plan"
	"github.com/mmp/vbk/storage"
	u "github.com/mmp/vbk/util"
)

func checksumOf(b []byte) item.Checksum {
	return item.Checksum{Hash: item.HashBytes(b), Signature: item.SignatureBytes(b)}
}

func local(name string, b []byte, ts int64) *item.Item {
	return item.NewBytes(name, b, item.Metadata{Timestamp: ts})
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func compile(t *testing.T, cat *catalog.State, cur map[string]*item.Item) []plan.Instruction {
	t.Helper()
	insts, create, err := plan.Diff(cat, cur, nil)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if insts, err = plan.Deloop(insts); err != nil {
		t.Fatalf("deloop: %v", err)
	}
	sorted, err := plan.Sort(create, insts)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	return sorted
}

func readLog(t *testing.T, fs storage.FileStorage, dir string) (VolumeHeader, []LogEntry) {
	t.Helper()
	b, err := storage.ReadAll(fs, path.Join(dir, LogName))
	if err != nil {
		t.Fatalf("%v", err)
	}
	h, entries, err := ReadLog(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("%s: %v", dir, err)
	}
	return h, entries
}

func TestTruncatedStore(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	content := randBytes(r, 5*u.MiB)
	st := &plan.Store{Item: local("/big", content, 10), Size: int64(len(content)),
		Checksum: checksumOf(content)}

	fs := storage.NewMemory()
	cat := catalog.New()
	res, err := Pack(fs, cat, []plan.Instruction{st}, Options{Capacity: 3 * u.MiB})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if res.Complete {
		t.Errorf("expected incomplete volume")
	}
	tr, ok := res.Truncated.(*plan.Store)
	if !ok {
		t.Fatalf("expected truncated store, got %v", res.Truncated)
	}
	if tr.Size >= st.Size || tr.Size < DefaultMinSlack {
		t.Errorf("truncated size %d; original %d", tr.Size, st.Size)
	}
	if tr.Checksum != checksumOf(content[:tr.Size]) {
		t.Errorf("truncated checksum doesn't match that of the prefix")
	}
	if st.Size != int64(len(content)) {
		t.Errorf("original instruction was modified")
	}
	if res.Used > 3*u.MiB {
		t.Errorf("used %d bytes of %d byte volume", res.Used, 3*u.MiB)
	}

	// The catalog records the truncated file; the next run appends the
	// rest.
	it, ok := cat.Get("/big")
	if !ok || it.Size() != tr.Size {
		t.Fatalf("catalog entry %v", it)
	}
	if cat.Version != 1 {
		t.Errorf("catalog version %d", cat.Version)
	}
	insts := compile(t, cat, map[string]*item.Item{"/big": st.Item})
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %v", insts)
	}
	if a, ok := insts[0].(*plan.Append); !ok || a.From != tr.Size {
		t.Errorf("expected append from %d, got %s", tr.Size, insts[0])
	}
}

// /a has 1MiB in the catalog and has grown to 5MiB; only part of the
// rest fits.
func TestTruncatedAppend(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	content := randBytes(r, 5*u.MiB)
	from := int64(1 * u.MiB)
	cat := catalog.New()
	cat.Add(item.NewOriginal("/a", from, item.Metadata{Timestamp: 1},
		checksumOf(content[:from]), []int{1}))
	cat.Version = 1

	cur := map[string]*item.Item{"/a": local("/a", content, 2)}
	insts := compile(t, cat, cur)
	if len(insts) != 1 || insts[0].Kind() != plan.KindAppend {
		t.Fatalf("expected one append, got %v", insts)
	}
	orig := insts[0].(*plan.Append)

	fs := storage.NewMemory()
	const capacity = 3 * u.MiB
	res, err := Pack(fs, cat, insts, Options{Capacity: capacity})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if res.Complete || res.Applied != 1 || res.Deferred != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	tr, ok := res.Truncated.(*plan.Append)
	if !ok {
		t.Fatalf("expected truncated append, got %v", res.Truncated)
	}
	if tr.From != from || tr.Size <= from+DefaultMinSlack || tr.Size >= orig.Size {
		t.Errorf("truncated to [%d, %d); original [%d, %d)", tr.From, tr.Size,
			orig.From, orig.Size)
	}
	if res.Payload != tr.Size-tr.From {
		t.Errorf("payload %d for [%d, %d)", res.Payload, tr.From, tr.Size)
	}
	if tr.Checksum != checksumOf(content[:tr.Size]) {
		t.Errorf("truncated checksum doesn't match that of the prefix")
	}
	if orig.Size != int64(len(content)) {
		t.Errorf("original instruction was modified")
	}
	if res.Used > capacity {
		t.Errorf("used %d bytes of %d byte volume", res.Used, capacity)
	}

	it, _ := cat.Get("/a")
	sum, _ := it.Checksum()
	if it.Size() != tr.Size || sum != tr.Checksum {
		t.Errorf("catalog has %s", it)
	}
	if v := it.Volumes(); len(v) != 2 || v[0] != 1 || v[1] != 2 {
		t.Errorf("volumes %v", v)
	}

	_, entries := readLog(t, fs, res.Dir)
	if len(entries) != 1 || entries[0].Change.From != from ||
		entries[0].Change.Size != tr.Size || entries[0].Change.Checksum != tr.Checksum {
		t.Errorf("log entries %+v", entries)
	}
	b, err := storage.ReadAll(fs, path.Join(res.Dir, entries[0].Container))
	if err != nil {
		t.Fatalf("%v", err)
	}
	ar, err := archive.NewReader(bytes.NewReader(b), nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if name, size, err := ar.Next(); err != nil || name != "/a" || size != tr.Size-from {
		t.Fatalf("entry %s %d %v", name, size, err)
	}
	if data, _ := io.ReadAll(ar); !bytes.Equal(data, content[from:tr.Size]) {
		t.Errorf("appended data mismatch")
	}

	// The next volume appends the remainder.
	insts = compile(t, cat, cur)
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %v", insts)
	}
	if a, ok := insts[0].(*plan.Append); !ok || a.From != tr.Size || a.Size != orig.Size {
		t.Errorf("expected append [%d, %d), got %s", tr.Size, orig.Size, insts[0])
	}
}

// A volume with room for its fixed overheads but not for any of a file's
// contents must not be written.
func TestNoProgress(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	content := randBytes(r, 2*u.MiB)
	st := &plan.Store{Item: local("/big", content, 1), Size: int64(len(content)),
		Checksum: checksumOf(content)}

	hdr := headerRecord(VolumeHeader{Number: 1})
	fixed := kv.EncodedSize(hdr) + containerOverhead(archive.Options{})
	fs := storage.NewMemory()
	cat := catalog.New()

	// Too small for the fixed overheads: rejected up front.
	_, err := Pack(fs, cat, []plan.Instruction{st},
		Options{Capacity: DefaultMinSlack + DefaultFlushMargin + 10})
	if !errors.Is(err, ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}

	// Room for the fixed overheads, but not for the entry and its log
	// record along with the minimum slack.
	opts := Options{Capacity: DefaultMinSlack + DefaultFlushMargin + fixed + 10}
	for i := 0; i < 3; i++ {
		res, err := Pack(fs, cat, []plan.Instruction{st}, opts)
		if !errors.Is(err, ErrCapacity) {
			t.Fatalf("expected ErrCapacity, got %v (%+v)", err, res)
		}
		if res.Applied != 0 {
			t.Errorf("applied %d", res.Applied)
		}
	}
	if cat.Version != 0 || cat.Len() != 0 {
		t.Errorf("catalog modified: version %d, %d files", cat.Version, cat.Len())
	}
	if names, _ := storage.List(fs, ""); len(names) != 0 {
		t.Errorf("files written: %v", names)
	}

	// A change without contents still makes progress.
	cat.Add(item.NewOriginal("/old", 5, item.Metadata{Timestamp: 1},
		checksumOf([]byte("hello")), []int{1}))
	cat.Version = 1
	res, err := Pack(fs, cat, []plan.Instruction{&plan.Delete{Path: "/old"}, st}, opts)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if res.Applied != 1 || res.Deferred != 1 || res.Complete || cat.Version != 2 {
		t.Errorf("unexpected result %+v, version %d", res, cat.Version)
	}
}

func TestDeferred(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	a, b := randBytes(r, 2*u.MiB+512*u.KiB), randBytes(r, 2*u.MiB)
	insts := []plan.Instruction{
		&plan.Store{Item: local("/a", a, 1), Size: int64(len(a)), Checksum: checksumOf(a)},
		&plan.Store{Item: local("/b", b, 1), Size: int64(len(b)), Checksum: checksumOf(b)},
	}

	// /a fits, leaving less than the minimum slack for /b.
	cat := catalog.New()
	res, err := Pack(storage.NewMemory(), cat, insts, Options{Capacity: 3 * u.MiB})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if res.Complete || res.Truncated != nil || res.Applied != 1 || res.Deferred != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := cat.Get("/b"); ok {
		t.Errorf("deferred file in catalog")
	}
}

// Catalog has /a with 100 bytes; /a grows to 150.
func TestAppend(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	content := randBytes(r, 150)
	cat := catalog.New()
	cat.Add(item.NewOriginal("/a", 100, item.Metadata{Timestamp: 1},
		checksumOf(content[:100]), []int{1}))
	cat.Version = 1

	insts := compile(t, cat, map[string]*item.Item{"/a": local("/a", content, 2)})
	if len(insts) != 1 || insts[0].Kind() != plan.KindAppend {
		t.Fatalf("expected one append, got %v", insts)
	}

	fs := storage.NewMemory()
	res, err := Pack(fs, cat, insts, Options{Capacity: 4 * u.MiB})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !res.Complete || res.Containers != 1 || res.Payload != 50 {
		t.Errorf("unexpected result %+v", res)
	}

	it, _ := cat.Get("/a")
	sum, _ := it.Checksum()
	if it.Size() != 150 || sum != checksumOf(content) {
		t.Errorf("catalog has %s", it)
	}
	if v := it.Volumes(); len(v) != 2 || v[0] != 1 || v[1] != 2 {
		t.Errorf("volumes %v", v)
	}

	h, entries := readLog(t, fs, res.Dir)
	if h.Number != 2 || h.CatalogVersion != 1 {
		t.Errorf("header %+v", h)
	}
	if len(entries) != 1 || entries[0].Change.Op != catalog.OpAppend ||
		entries[0].Change.From != 100 || entries[0].Container != "000.append" {
		t.Errorf("log entries %+v", entries)
	}

	// The container holds just the new bytes.
	b, err := storage.ReadAll(fs, path.Join(res.Dir, "000.append"))
	if err != nil {
		t.Fatalf("%v", err)
	}
	ar, err := archive.NewReader(bytes.NewReader(b), nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	name, size, err := ar.Next()
	if err != nil || name != "/a" || size != 50 {
		t.Fatalf("entry %s %d %v", name, size, err)
	}
	data, _ := io.ReadAll(ar)
	if !bytes.Equal(data, content[100:]) {
		t.Errorf("appended data mismatch")
	}
}

// /a and /b swap contents.
func TestSwapOpensNoContainer(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	a, b := randBytes(r, 1000), randBytes(r, 2000)
	cat := catalog.New()
	cat.Add(item.NewOriginal("/a", 1000, item.Metadata{Timestamp: 1}, checksumOf(a), []int{1}))
	cat.Add(item.NewOriginal("/b", 2000, item.Metadata{Timestamp: 1}, checksumOf(b), []int{1}))
	cat.Version = 1

	insts := compile(t, cat, map[string]*item.Item{
		"/a": local("/a", b, 2),
		"/b": local("/b", a, 2),
	})
	if len(insts) != 1 || insts[0].Kind() != plan.KindRotate {
		t.Fatalf("expected one rotate, got %v", insts)
	}

	fs := storage.NewMemory()
	res, err := Pack(fs, cat, insts, Options{Capacity: 4 * u.MiB})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !res.Complete || res.Containers != 0 || res.Payload != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	names, _ := storage.List(fs, "")
	if len(names) != 1 || names[0] != path.Join(res.Dir, LogName) {
		t.Errorf("unexpected files %v", names)
	}

	ia, _ := cat.Get("/a")
	if sum, _ := ia.Checksum(); sum != checksumOf(b) {
		t.Errorf("/a doesn't have /b's old contents")
	}
	if v := ia.Volumes(); len(v) != 1 || v[0] != 1 {
		t.Errorf("volumes %v", v)
	}
}

func TestChecksumMismatch(t *testing.T) {
	content := []byte("the quick brown fox")
	st := &plan.Store{Item: local("/x", content, 1), Size: int64(len(content)),
		Checksum: checksumOf([]byte("the quick brown cat"))}
	cat := catalog.New()
	_, err := Pack(storage.NewMemory(), cat, []plan.Instruction{st},
		Options{Capacity: 4 * u.MiB})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
	if cat.Len() != 0 || cat.Version != 0 {
		t.Errorf("catalog modified")
	}
}

func TestContainerRollover(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	var insts []plan.Instruction
	for i := 0; i < 10; i++ {
		b := randBytes(r, 100*u.KiB)
		insts = append(insts, &plan.Store{Item: local(fmt.Sprintf("/f%d", i), b, 1),
			Size: int64(len(b)), Checksum: checksumOf(b)})
	}
	res, err := Pack(storage.NewMemory(), catalog.New(), insts,
		Options{Capacity: 16 * u.MiB, MaxContainerSize: 250 * u.KiB})
	if err != nil {
		t.Fatalf("%v", err)
	}
	// Two files per container.
	if !res.Complete || res.Containers != 5 {
		t.Errorf("unexpected result %+v", res)
	}
}

///////////////////////////////////////////////////////////////////////////
// End to end

// restore reconstructs the contents of all files from the volumes.
func restore(t *testing.T, fs storage.FileStorage, key []byte, nVolumes int) (*catalog.State,
	map[string][]byte) {
	t.Helper()
	cat := catalog.New()
	files := make(map[string][]byte)
	for v := 1; v <= nVolumes; v++ {
		dir := VolumeName(v)
		h, entries := readLog(t, fs, dir)
		if err := Replay(cat, h, entries); err != nil {
			t.Fatalf("%s: %v", dir, err)
		}

		readers := make(map[string]*archive.Reader)
		for _, e := range entries {
			c := e.Change
			var data []byte
			if e.Container != "" {
				ar, ok := readers[e.Container]
				if !ok {
					b, err := storage.ReadAll(fs, path.Join(dir, e.Container))
					if err != nil {
						t.Fatalf("%v", err)
					}
					if ar, err = archive.NewReader(bytes.NewReader(b), key); err != nil {
						t.Fatalf("%v", err)
					}
					readers[e.Container] = ar
				}
				name, _, err := ar.Next()
				if err != nil || name != c.Name {
					t.Fatalf("%s: got entry %s (%v)", c.Name, name, err)
				}
				if data, err = io.ReadAll(ar); err != nil {
					t.Fatalf("%v", err)
				}
			}

			switch c.Op {
			case catalog.OpDelete:
				delete(files, c.Name)
			case catalog.OpCopy:
				files[c.Name] = files[c.Source]
			case catalog.OpAppend:
				files[c.Name] = append(bytes.Clone(files[c.Name][:c.From]), data...)
			case catalog.OpStore:
				files[c.Name] = data
			case catalog.OpRotate:
				old := make(map[string][]byte)
				for _, st := range c.Steps {
					old[st.Source] = files[st.Source]
				}
				for _, st := range c.Steps {
					files[st.Dest] = old[st.Source]
				}
			}
		}
	}
	return cat, files
}

func TestEndToEnd(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	key, _, err := archive.GenerateKey("foobar")
	if err != nil {
		t.Fatalf("%v", err)
	}
	opts := Options{Capacity: 4 * u.MiB, MaxContainerSize: 1 * u.MiB,
		Archive: archive.Options{Compress: true, Key: key}}

	fs := storage.NewMemory()
	cat := catalog.New()
	contents := make(map[string][]byte)

	backup := func() {
		cur := make(map[string]*item.Item)
		for n, b := range contents {
			cur[n] = local(n, b, 1)
		}
		for i := 0; ; i++ {
			if i == 20 {
				t.Fatalf("backup didn't complete")
			}
			res, err := Pack(fs, cat, compile(t, cat, cur), opts)
			if err != nil {
				t.Fatalf("%v", err)
			}
			if res.Complete {
				return
			}
		}
	}

	for i := 0; i < 30; i++ {
		contents[fmt.Sprintf("/dir/f%02d", i)] = randBytes(r, r.Intn(1*u.MiB))
	}
	contents["/dir/dupe"] = contents["/dir/f00"]
	backup()

	// Change things around: grow some files, swap a pair, copy and delete.
	contents["/dir/f01"] = append(bytes.Clone(contents["/dir/f01"]), randBytes(r, 3*u.MiB)...)
	contents["/dir/f02"], contents["/dir/f03"] = contents["/dir/f03"], contents["/dir/f02"]
	contents["/dir/f04"] = contents["/dir/f05"]
	contents["/dir/new"] = randBytes(r, 5*u.MiB)
	delete(contents, "/dir/f06")
	backup()

	replayed, files := restore(t, fs, key, cat.Version)
	var want, got bytes.Buffer
	cat.Write(&want)
	replayed.Write(&got)
	if !bytes.Equal(want.Bytes(), got.Bytes()) {
		t.Errorf("replayed catalog differs from the committed one")
	}
	if len(files) != len(contents) {
		t.Errorf("restored %d files, expected %d", len(files), len(contents))
	}
	for n, b := range contents {
		if !bytes.Equal(files[n], b) {
			t.Errorf("%s: restored contents differ", n)
		}
	}
}

func TestFindVolumes(t *testing.T) {
	fs := storage.NewMemory()
	cat := catalog.New()
	cur := map[string]*item.Item{"/a": local("/a", []byte("hello"), 1)}
	if _, err := Pack(fs, cat, compile(t, cat, cur), Options{Capacity: 4 * u.MiB}); err != nil {
		t.Fatalf("%v", err)
	}
	cur["/b"] = local("/b", []byte("world"), 2)
	if _, err := Pack(fs, cat, compile(t, cat, cur), Options{Capacity: 4 * u.MiB}); err != nil {
		t.Fatalf("%v", err)
	}

	// An interrupted run, and a rewrite of volume 2.
	if err := storage.WriteFile(fs, "0003/000.store", []byte("partial")); err != nil {
		t.Fatalf("%v", err)
	}
	b, err := storage.ReadAll(fs, "0002/"+LogName)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if err := storage.WriteFile(fs, "0002.1/"+LogName, b); err != nil {
		t.Fatalf("%v", err)
	}

	vols, err := FindVolumes(fs)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(vols) != 2 || vols[0].Dir != "0001" || vols[1].Dir != "0002.1" {
		t.Fatalf("unexpected volumes %+v", vols)
	}
	if len(vols[1].Superseded) != 1 || vols[1].Superseded[0] != "0002" {
		t.Errorf("superseded %v", vols[1].Superseded)
	}

	rebuilt, err := Rebuild(vols)
	if err != nil {
		t.Fatalf("%v", err)
	}
	var want, got bytes.Buffer
	cat.Write(&want)
	rebuilt.Write(&got)
	if !bytes.Equal(want.Bytes(), got.Bytes()) {
		t.Errorf("rebuilt catalog differs:\n%s\nvs\n%s", got.String(), want.String())
	}

	if _, err := Rebuild(vols[1:]); !errors.Is(err, catalog.ErrInconsistent) {
		t.Errorf("expected ErrInconsistent for missing volume, got %v", err)
	}
}
