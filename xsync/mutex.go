// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides locks that hide the data they protect, so shared
// state cannot be accessed without actually holding the lock.
package xsync // import "go.opentelemetry.io/memtracer/xsync"

import "sync"

// Mutex is a thin wrapper around sync.Mutex that owns the data it guards.
// The only way to reach the data is through Lock, which returns a pointer
// valid until the matching Unlock invalidates it.
type Mutex[T any] struct {
	guarded T
	mutex   sync.Mutex
}

// NewMutex creates a mutex guarding the given value.
func NewMutex[T any](guarded T) Mutex[T] {
	return Mutex[T]{guarded: guarded}
}

// Lock locks the mutex and returns a pointer to the protected data. The
// caller must not let the pointer escape the locked region.
func (mtx *Mutex[T]) Lock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// Unlock unlocks the mutex, invalidating the pointer obtained from Lock.
func (mtx *Mutex[T]) Unlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
