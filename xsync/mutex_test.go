// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutex(t *testing.T) {
	counter := NewMutex[uint64](0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c := counter.Lock()
				*c++
				counter.Unlock(&c)
			}
		}()
	}
	wg.Wait()

	c := counter.Lock()
	defer counter.Unlock(&c)
	require.Equal(t, uint64(16000), *c)
}

func TestUnlockInvalidatesPointer(t *testing.T) {
	m := NewMutex[int](7)
	p := m.Lock()
	m.Unlock(&p)
	require.Nil(t, p)
}
