// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package physaddr // import "go.opentelemetry.io/memtracer/physaddr"

import "errors"

type pagemap struct{}

func openPagemap() (pagemap, error) {
	return pagemap{}, errors.New("no page-map view on this platform")
}

func (pagemap) entry(uint64) (uint64, error) {
	return 0, errors.New("no page-map view on this platform")
}

func (pagemap) close() {}
