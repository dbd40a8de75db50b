// Package fragment splits payloads that exceed the broker's frame size into
// ordered fragments, and joins them back together.
//
// A payload is base64-encoded first and the encoded text is cut into fixed
// width chunks, so every fragment is itself valid text for the wire. Each
// fragment carries the parent's properties plus its 0-based index and the
// total count.
package fragment

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
)

// Fragment is one piece of an outbound transfer.
type Fragment struct {
	Index      int
	Count      int
	Payload    string
	Properties pulsar.Properties
}

// Encode base64-encodes payload and slices the text into chunks of at most
// maxFragmentSize characters. A payload that fits, or a non-positive
// maxFragmentSize, yields exactly one chunk.
func Encode(payload []byte, maxFragmentSize int) []string {
	return Chunk(base64.StdEncoding.EncodeToString(payload), maxFragmentSize)
}

// Chunk slices already-encoded text into chunks of at most size characters.
func Chunk(encoded string, size int) []string {
	if size <= 0 || len(encoded) <= size {
		return []string{encoded}
	}

	chunks := make([]string, 0, (len(encoded)+size-1)/size)
	for start := 0; start < len(encoded); start += size {
		end := min(start+size, len(encoded))
		chunks = append(chunks, encoded[start:end])
	}
	return chunks
}

// Split wraps chunks as fragments. Every fragment gets its own copy of base
// with the fragment and numFragments properties set.
func Split(base pulsar.Properties, chunks []string) []Fragment {
	fragments := make([]Fragment, len(chunks))
	count := strconv.Itoa(len(chunks))
	for i, chunk := range chunks {
		props := base.Clone()
		props[pulsar.PropFragment] = strconv.Itoa(i)
		props[pulsar.PropNumFragments] = count
		fragments[i] = Fragment{
			Index:      i,
			Count:      len(chunks),
			Payload:    chunk,
			Properties: props,
		}
	}
	return fragments
}

// Join concatenates chunks in order and decodes the result.
func Join(chunks []string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.Join(chunks, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode joined fragments: %w", err)
	}
	return decoded, nil
}
