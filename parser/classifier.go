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

package parser

import "bytes"

// HeaderKind enumerates the handful of headers the transport core cares
// about directly; everything else classifies as HeaderUnknown and is only
// ever forwarded to the header sink.
type HeaderKind int

const (
	HeaderUnknown HeaderKind = iota
	HeaderHost
	HeaderContentLength
	HeaderContentType
	HeaderConnection
	HeaderCookie
	HeaderUpgrade
	HeaderUserAgent
	HeaderSecWebSocketKey
	HeaderSecWebSocketVersion
	HeaderAuthorization
	HeaderAccept
	HeaderOrigin
	HeaderTraceParent
)

// candidate pairs a canonical header name with its HeaderKind, grouped by
// lowercased first byte so ClassifyHeader avoids a linear scan over every
// candidate.
type candidate struct {
	name string
	kind HeaderKind
}

var byFirstByte = map[byte][]candidate{
	'h': {{"host", HeaderHost}},
	'c': {
		{"content-length", HeaderContentLength},
		{"content-type", HeaderContentType},
		{"connection", HeaderConnection},
		{"cookie", HeaderCookie},
	},
	'u': {
		{"upgrade", HeaderUpgrade},
		{"user-agent", HeaderUserAgent},
	},
	's': {
		{"sec-websocket-key", HeaderSecWebSocketKey},
		{"sec-websocket-version", HeaderSecWebSocketVersion},
	},
	'a': {
		{"authorization", HeaderAuthorization},
		{"accept", HeaderAccept},
	},
	'o': {{"origin", HeaderOrigin}},
	't': {{"traceparent", HeaderTraceParent}},
}

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// ClassifyHeader case-insensitively classifies a header key. Dispatch is
// by the lowercased first byte so lookup never scans more than the small
// handful of headers sharing that letter.
func ClassifyHeader(key []byte) HeaderKind {
	if len(key) == 0 {
		return HeaderUnknown
	}
	candidates := byFirstByte[lowerByte(key[0])]
	for _, c := range candidates {
		if len(c.name) != len(key) {
			continue
		}
		if equalFoldASCII(c.name, key) {
			return c.kind
		}
	}
	return HeaderUnknown
}

func equalFoldASCII(lower string, key []byte) bool {
	for i := 0; i < len(lower); i++ {
		if lowerByte(key[i]) != lower[i] {
			return false
		}
	}
	return true
}

// ParseKeepAlive implements spec.md §4.4 / §9's documented permissive
// substring rule for the Connection header. Exact-string fast paths are
// checked first; otherwise "close" wins if present anywhere, then
// "keep-alive" if present anywhere, defaulting to true (the HTTP/1.1
// default) when neither appears. See DESIGN.md for the Open Question
// writeup this resolves.
func ParseKeepAlive(value []byte) bool {
	lower := toLowerASCII(value)

	if bytes.Equal(lower, []byte("close")) {
		return false
	}
	if bytes.Equal(lower, []byte("keep-alive")) {
		return true
	}
	if bytes.Contains(lower, []byte("close")) {
		return false
	}
	if bytes.Contains(lower, []byte("keep-alive")) {
		return true
	}
	return true
}

func toLowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = lowerByte(c)
	}
	return out
}

// IsWebSocketUpgrade reports whether an Upgrade header value is the
// case-insensitive prefix "websocket" (length >= 9, matching spec.md
// §4.3's "length >= 9 bytes starting with websocket").
func IsWebSocketUpgrade(value []byte) bool {
	if len(value) < 9 {
		return false
	}
	return equalFoldASCII("websocket", value[:9])
}
