package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	maxSize int64
	objects map[string]memoryObject
}

type memoryObject struct {
	data []byte
	info Info
}

func newMemoryStore(prefix string, maxSize int64) Store {
	return &memoryStore{
		prefix:  prefix,
		maxSize: maxSize,
		objects: make(map[string]memoryObject),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, opts PutOptions) (Info, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return Info{}, err
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}
	data, err := readAllLimited(body, m.maxSize, logicalKey)
	if err != nil {
		return Info{}, err
	}

	sum := md5.Sum(data)
	info := Info{
		Key:          logicalKey,
		Size:         int64(len(data)),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     cloneMetadata(opts.Metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, logicalKey)] = memoryObject{data: data, info: info}
	m.mu.Unlock()
	return copyInfo(info), nil
}

func (m *memoryStore) lookup(key string) (memoryObject, string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return memoryObject{}, "", err
	}
	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	if !ok {
		return memoryObject{}, logicalKey, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}
	return obj, logicalKey, nil
}

func (m *memoryStore) Open(_ context.Context, key string) (io.ReadCloser, Info, error) {
	obj, _, err := m.lookup(key)
	if err != nil {
		return nil, Info{}, err
	}
	// Stored data is never mutated after Put, so readers can share it.
	return io.NopCloser(bytes.NewReader(obj.data)), copyInfo(obj.info), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (Info, error) {
	obj, _, err := m.lookup(key)
	if err != nil {
		return Info{}, err
	}
	return copyInfo(obj.info), nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, joinPrefix(m.prefix, logicalKey))
	m.mu.Unlock()
	return nil
}

func copyInfo(in Info) Info {
	in.Metadata = cloneMetadata(in.Metadata)
	return in
}
