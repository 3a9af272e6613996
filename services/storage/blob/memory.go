// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process BlobStore for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailPuts makes every Put fail; tests use it to drive the accept
	// sequence's compensation path.
	FailPuts bool
}

type memoryObject struct {
	data []byte
	meta Metadata
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return context.DeadlineExceeded
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memoryObject{data: buf, meta: meta}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) DeleteUserData(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.objects {
		if KeyUserID(key) == userID {
			delete(m.objects, key)
			removed++
		}
	}
	return removed, nil
}

// Meta returns the metadata stored with a key; test hook.
func (m *Memory) Meta(key string) (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.meta, ok
}
