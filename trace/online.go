// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "go.opentelemetry.io/memtracer/trace"

// OnlineEncoder produces the record stream consumed live over the named
// pipe.
type OnlineEncoder struct {
	baseEncoder
}

var _ Encoder = (*OnlineEncoder)(nil)

// NewOnlineEncoder returns the online variant. instrTypes enables
// fine-grained instruction typing for consumers that want it; it also
// disables bundling upstream, since typed fetches cannot be summarized.
func NewOnlineEncoder(instrTypes bool) *OnlineEncoder {
	return &OnlineEncoder{baseEncoder{instrTypes: instrTypes}}
}
