package metacache

import (
	"context"
	"sort"
	"strconv"
	"sync"

	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// fakeObjectStore is an in-memory types.ObjectStore double: a minimal
// stand-in good enough to exercise the contract without a real bucket.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int

	failPut map[string]error // key -> error to return on next PutObject/PutObjectConditional
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
		failPut: make(map[string]error),
	}
}

func (f *fakeObjectStore) nextETag() string {
	f.seq++
	return "etag-" + strconv.Itoa(f.seq)
}

func (f *fakeObjectStore) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.KindNotFound, "no such object").WithFilename(key)
	}
	return data, nil
}

func (f *fakeObjectStore) GetObjectWithETag(ctx context.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, "", pkgerrors.New(pkgerrors.KindNotFound, "no such object").WithFilename(key)
	}
	return data, f.etags[key], nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPut[key]; err != nil {
		delete(f.failPut, key)
		return err
	}
	f.objects[key] = append([]byte{}, data...)
	f.etags[key] = f.nextETag()
	return nil
}

func (f *fakeObjectStore) PutObjectConditional(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failPut[key]; err != nil {
		delete(f.failPut, key)
		return "", err
	}

	existing, exists := f.objects[key]
	_ = existing
	if ifMatch == "" {
		if exists {
			return "", pkgerrors.New(pkgerrors.KindTransient, "conditional write contended").WithFilename(key)
		}
	} else if f.etags[key] != ifMatch {
		return "", pkgerrors.New(pkgerrors.KindTransient, "conditional write contended").WithFilename(key)
	}

	f.objects[key] = append([]byte{}, data...)
	tag := f.nextETag()
	f.etags[key] = tag
	return tag, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.etags, key)
	return nil
}

func (f *fakeObjectStore) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.KindNotFound, "no such object").WithFilename(key)
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(data)), ETag: f.etags[key]}, nil
}

func (f *fakeObjectStore) ListObjectsPaginated(ctx context.Context, prefix string, pageSize int32, visit func([]types.ObjectInfo) bool) error {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	page := make([]types.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		page = append(page, types.ObjectInfo{Key: k, Size: int64(len(f.objects[k])), ETag: f.etags[k]})
	}
	f.mu.Unlock()

	visit(page)
	return nil
}

func (f *fakeObjectStore) HealthCheck(ctx context.Context) error {
	return nil
}
