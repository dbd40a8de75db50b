package fragment

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
)

func TestEncode(t *testing.T) {
	t.Run("fits in one chunk", func(t *testing.T) {
		chunks := Encode([]byte("hello"), 100)
		require.Len(t, chunks, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), chunks[0])
	})

	t.Run("exactly max size is not split", func(t *testing.T) {
		payload := []byte("abcdef") // encodes to 8 characters
		assert.Len(t, Encode(payload, 8), 1)
		assert.Len(t, Encode(payload, 7), 2)
	})

	t.Run("non-positive max disables fragmentation", func(t *testing.T) {
		assert.Len(t, Encode(bytes.Repeat([]byte("x"), 1000), 0), 1)
		assert.Len(t, Encode(bytes.Repeat([]byte("x"), 1000), -5), 1)
	})

	t.Run("empty payload", func(t *testing.T) {
		assert.Equal(t, []string{""}, Encode(nil, 10))
	})
}

func TestRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 2, 3, 63, 64, 65, 1000, 4096} {
		for _, limit := range []int{1, 3, 4, 10, 64, 1 << 20} {
			t.Run(strconv.Itoa(length)+"/"+strconv.Itoa(limit), func(t *testing.T) {
				payload := make([]byte, length)
				for i := range payload {
					payload[i] = byte(i * 31)
				}

				encodedLen := base64.StdEncoding.EncodedLen(length)
				expected := 1
				if encodedLen > limit {
					expected = (encodedLen + limit - 1) / limit
				}

				chunks := Encode(payload, limit)
				require.Len(t, chunks, expected)

				fragments := Split(pulsar.Properties{pulsar.PropContext: "ctx"}, chunks)
				for i, f := range fragments {
					assert.Equal(t, i, f.Index)
					assert.Equal(t, expected, f.Count)
					assert.Equal(t, strconv.Itoa(i), f.Properties[pulsar.PropFragment])
					assert.Equal(t, strconv.Itoa(expected), f.Properties[pulsar.PropNumFragments])
					assert.LessOrEqual(t, len(f.Payload), limit)
				}

				joined, err := Join(chunks)
				require.NoError(t, err)
				assert.Equal(t, len(payload), len(joined))
				assert.True(t, bytes.Equal(payload, joined))
			})
		}
	}
}

func TestSplitCopiesProperties(t *testing.T) {
	base := pulsar.Properties{
		pulsar.PropContext:     "ctx",
		pulsar.PropMessageType: "RESPONSE",
	}

	fragments := Split(base, []string{"a", "b"})
	fragments[0].Properties["extra"] = "1"

	assert.NotContains(t, fragments[1].Properties, "extra")
	assert.NotContains(t, base, pulsar.PropFragment)
	assert.Equal(t, "RESPONSE", fragments[1].Properties[pulsar.PropMessageType])
}

func TestJoinRejectsCorruptInput(t *testing.T) {
	_, err := Join([]string{"not", "base64!"})
	assert.Error(t, err)
}

func fragmentMessages(t *testing.T, payload []byte, limit int, props pulsar.Properties) []*pulsar.Message {
	t.Helper()
	var msgs []*pulsar.Message
	for _, f := range Split(props, Encode(payload, limit)) {
		msgs = append(msgs, pulsar.NewMessage("id-"+strconv.Itoa(f.Index), f.Properties, f.Payload))
	}
	return msgs
}

func TestReassembler(t *testing.T) {
	props := pulsar.Properties{
		pulsar.PropContext:       "ctx-1",
		pulsar.PropResponseTopic: "replies",
		pulsar.PropMessageType:   "REQUEST",
	}
	payload := bytes.Repeat([]byte("payload-"), 20)

	t.Run("in order", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		msgs := fragmentMessages(t, payload, 16, props)
		require.Greater(t, len(msgs), 2)

		for i, msg := range msgs {
			joined, done, err := r.Add(msg)
			require.NoError(t, err)
			if i < len(msgs)-1 {
				assert.False(t, done)
				assert.Nil(t, joined)
				assert.Equal(t, 1, r.Pending())
				continue
			}

			require.True(t, done)
			decoded, err := joined.DecodePayload()
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
			assert.Equal(t, "ctx-1", joined.Context())
			_, _, isFragment := joined.Fragment()
			assert.False(t, isFragment)
		}
		assert.Equal(t, 0, r.Pending())
	})

	t.Run("out of order with duplicates", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		msgs := fragmentMessages(t, payload, 40, props)
		require.Len(t, msgs, 6)

		order := []int{5, 1, 1, 0, 3, 4}
		for _, i := range order {
			_, done, err := r.Add(msgs[i])
			require.NoError(t, err)
			assert.False(t, done)
		}

		joined, done, err := r.Add(msgs[2])
		require.NoError(t, err)
		require.True(t, done)
		decoded, err := joined.DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	})

	t.Run("count mismatch drops the transfer", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		msgs := fragmentMessages(t, payload, 40, props)
		_, _, err := r.Add(msgs[0])
		require.NoError(t, err)

		other := fragmentMessages(t, payload, 100, props)
		_, _, err = r.Add(other[1])
		assert.ErrorIs(t, err, pulsar.ErrInvalidMessage)
		assert.Equal(t, 0, r.Pending())
	})

	t.Run("not a fragment", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		_, _, err := r.Add(pulsar.NewMessage("1", props, ""))
		assert.ErrorIs(t, err, pulsar.ErrInvalidMessage)
	})

	t.Run("oversized or inconsistent metadata is rejected", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		for _, meta := range [][2]string{
			{"0", "4611686018427387903"},
			{"0", strconv.Itoa(pulsar.MaxFragments + 1)},
			{"3", "3"},
			{"-1", "3"},
			{"0", "-3"},
		} {
			p := props.Clone()
			p[pulsar.PropFragment] = meta[0]
			p[pulsar.PropNumFragments] = meta[1]

			var err error
			require.NotPanics(t, func() {
				_, _, err = r.Add(pulsar.NewMessage("1", p, "eA=="))
			}, "fragment %s of %s", meta[0], meta[1])
			assert.ErrorIs(t, err, pulsar.ErrInvalidMessage)
		}
		assert.Equal(t, 0, r.Pending())

		p := props.Clone()
		p[pulsar.PropFragment] = "0"
		p[pulsar.PropNumFragments] = strconv.Itoa(pulsar.MaxFragments)
		_, done, err := r.Add(pulsar.NewMessage("1", p, "eA=="))
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("same context from different senders stays apart", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		fromA := props.Clone()
		fromA[pulsar.PropSourceTopic] = "clients-a"
		fromB := props.Clone()
		fromB[pulsar.PropSourceTopic] = "clients-b"

		payloadA := bytes.Repeat([]byte("a"), 60)
		payloadB := bytes.Repeat([]byte("b"), 60)
		msgsA := fragmentMessages(t, payloadA, 40, fromA)
		msgsB := fragmentMessages(t, payloadB, 40, fromB)
		require.Len(t, msgsA, 2)
		require.Len(t, msgsB, 2)

		_, _, err := r.Add(msgsA[0])
		require.NoError(t, err)
		_, _, err = r.Add(msgsB[0])
		require.NoError(t, err)
		assert.Equal(t, 2, r.Pending())

		joined, done, err := r.Add(msgsB[1])
		require.NoError(t, err)
		require.True(t, done)
		decoded, err := joined.DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, payloadB, decoded)

		joined, done, err = r.Add(msgsA[1])
		require.NoError(t, err)
		require.True(t, done)
		decoded, err = joined.DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, payloadA, decoded)
	})

	t.Run("expired transfers are evicted", func(t *testing.T) {
		r := NewReassembler(time.Minute)
		now := time.Now()
		r.now = func() time.Time { return now }

		msgs := fragmentMessages(t, payload, 40, props)
		_, _, err := r.Add(msgs[0])
		require.NoError(t, err)
		assert.Equal(t, 0, r.Evict())

		now = now.Add(2 * time.Minute)
		assert.Equal(t, 1, r.Evict())
		assert.Equal(t, 0, r.Pending())
	})
}
