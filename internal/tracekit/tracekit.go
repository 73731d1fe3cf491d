// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracekit

import (
	"crypto/rand"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const (
	// HeaderTraceParent is the W3C trace-context header name, classified
	// by parser.HeaderClassifier like any other significant header.
	HeaderTraceParent = "traceparent"
)

// TraceIDFromTraceParent extracts the trace id out of a raw traceparent
// header value.
//
// format: 00-{trace-id}-{parent-id}-{trace-flags}
func TraceIDFromTraceParent(s string) (trace.TraceID, bool) {
	var empty trace.TraceID
	if s == "" {
		return empty, false
	}

	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return empty, false
	}

	if parts[0] != "00" {
		return empty, false
	}

	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil {
		return empty, false
	}
	return traceID, true
}

// RandomTraceID generates a random trace id for requests that arrive
// without a traceparent header.
func RandomTraceID() trace.TraceID {
	var ret trace.TraceID
	rand.Read(ret[:])
	return ret
}

// RandomSpanID generates a random span id.
func RandomSpanID() trace.SpanID {
	var ret trace.SpanID
	rand.Read(ret[:])
	return ret
}
