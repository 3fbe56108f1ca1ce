package compaction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SebastienMelki/mailvault/internal/objectstore"
)

// fakeStore is an in-memory ObjectStore with the conditional-write and
// listing semantics of the real client: PutIf enforces ETag matches, Get of
// a missing key returns nil without error, ListDirect returns immediate
// child prefixes, and all listings are in key order. Every write produces a
// fresh ETag so lost CAS races are detected deterministically.
type fakeStore struct {
	mu       sync.Mutex
	rev      int
	objects  map[string]fakeObject
	failures map[string]error
	counts   map[string]int

	// corruptPutPrefix truncates bodies written under the prefix so they no
	// longer parse, exercising verification failures.
	corruptPutPrefix string

	// onGet runs before each Get, outside the lock.
	onGet func(key string)
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string]fakeObject),
		failures: make(map[string]error),
		counts:   make(map[string]int),
	}
}

func (f *fakeStore) countOp(op, key string) {
	f.counts[op+" "+key]++
}

func (f *fakeStore) opCount(op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op+" "+key]
}

func (f *fakeStore) nextETag() string {
	f.rev++
	return fmt.Sprintf("\"rev-%d\"", f.rev)
}

func (f *fakeStore) failWith(op, key string, err error) {
	f.mu.Lock()
	f.failures[op+" "+key] = err
	f.mu.Unlock()
}

func (f *fakeStore) clearFailure(op, key string) {
	f.mu.Lock()
	delete(f.failures, op+" "+key)
	f.mu.Unlock()
}

func (f *fakeStore) failure(op, key string) error {
	return f.failures[op+" "+key]
}

func (f *fakeStore) Put(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countOp("PUT", key)
	if err := f.failure("PUT", key); err != nil {
		return err
	}
	data := append([]byte(nil), body...)
	if f.corruptPutPrefix != "" && strings.HasPrefix(key, f.corruptPutPrefix) && len(data) > 8 {
		data = data[:len(data)/2]
	}
	f.objects[key] = fakeObject{data: data, etag: f.nextETag()}
	return nil
}

func (f *fakeStore) PutIf(ctx context.Context, key string, body []byte, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countOp("PUTIF", key)
	if err := f.failure("PUTIF", key); err != nil {
		return err
	}
	obj, exists := f.objects[key]
	if expectedETag == "" {
		if exists {
			return fmt.Errorf("put %q: %w", key, objectstore.ErrPreconditionFailed)
		}
	} else if !exists || obj.etag != expectedETag {
		return fmt.Errorf("put %q: %w", key, objectstore.ErrPreconditionFailed)
	}
	f.objects[key] = fakeObject{data: append([]byte(nil), body...), etag: f.nextETag()}
	return nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if f.onGet != nil {
		f.onGet(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countOp("GET", key)
	if err := f.failure("GET", key); err != nil {
		return nil, "", err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, "", nil
	}
	return append(make([]byte, 0, len(obj.data)), obj.data...), obj.etag, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countOp("DELETE", key)
	if err := f.failure("DELETE", key); err != nil {
		return err
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) ListDirect(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("LIST", prefix); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for key := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			continue
		}
		if name := rest[:i]; !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("LIST", prefix); err != nil {
		return nil, err
	}
	var out []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) putObject(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: append([]byte(nil), body...), etag: f.nextETag()}
}

func (f *fakeStore) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.data...)
}

func (f *fakeStore) exists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeStore) keysUnder(prefix string) []string {
	out, _ := f.ListFiles(context.Background(), prefix)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock shared by the lock, status, and
// engine under test so lease arithmetic is exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
