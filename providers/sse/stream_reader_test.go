package sse

import (
	"encoding/base64"
	"fmt"
	"io"
	"testing"

	"github.com/markodavidovic/chatsync/internal/testutil"
	"github.com/markodavidovic/chatsync/providers"
)

// chunkReader serves a payload in caller-defined chunks so tests can
// force boundaries inside lines, runes and base64 frames.
type chunkReader struct {
	chunks [][]byte
	idx    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.idx >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.idx])
	c.idx++
	return n, nil
}

func (c *chunkReader) Close() error { return nil }

func readerFor(chunks ...string) *streamReader {
	raw := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		raw[i] = []byte(chunk)
	}
	return newStreamReader(&chunkReader{chunks: raw}, nil)
}

func nextEvent(t *testing.T, r *streamReader) *providers.StreamEvent {
	t.Helper()
	ev, err := r.Next()
	testutil.AssertNoError(t, err)
	return ev
}

func TestReaderDecodesEventSequence(t *testing.T) {
	r := readerFor(
		"event: chat.content\ndata: Hello\n" +
			"event: tool.call\ndata: {\"id\":\"tc-1\",\"name\":\"search\"}\n" +
			"event: pair.assigned\ndata: {\"tempID\":\"optimistic-1\",\"pairID\":\"mem-1\"}\n" +
			"event: session.created\ndata: {\"id\":\"sess-1\"}\n" +
			"event: done\ndata: {}\n",
	)

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventTextDelta)
	testutil.AssertEqual(t, ev.Text, "Hello")

	ev = nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventToolCallDelta)
	testutil.AssertEqual(t, ev.ToolCall.Name, "search")

	ev = nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventIdentity)
	testutil.AssertEqual(t, ev.TempID, "optimistic-1")
	testutil.AssertEqual(t, ev.RealID, "mem-1")

	ev = nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventSessionCreated)
	testutil.AssertEqual(t, ev.SessionID, "sess-1")

	ev = nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventDone)

	_, err := r.Next()
	testutil.AssertErrorIs(t, err, io.EOF)
}

func TestReaderToleratesSplitLines(t *testing.T) {
	r := readerFor(
		"event: chat.cont",
		"ent\ndata: Hel",
		"lo world\n",
		"event: done\ndata: {}\n",
	)

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventTextDelta)
	testutil.AssertEqual(t, ev.Text, "Hello world")

	ev = nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventDone)
}

func TestReaderToleratesSplitUTF8Rune(t *testing.T) {
	// "é" is 0xC3 0xA9; the boundary falls between the two bytes.
	r := readerFor(
		"event: chat.content\ndata: caf\xc3",
		"\xa9 au lait\n",
	)

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Text, "café au lait")
}

func TestReaderToleratesSplitBase64Frame(t *testing.T) {
	frame := []byte("progressive-image-bytes")
	encoded := base64.StdEncoding.EncodeToString(frame)
	payload := fmt.Sprintf("event: image.partial\ndata: {\"data\":%q}\n", encoded)

	mid := len(payload) / 2
	r := readerFor(payload[:mid], payload[mid:])

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventImagePartial)
	testutil.AssertEqual(t, string(ev.Image), string(frame))
}

func TestReaderImageComplete(t *testing.T) {
	r := readerFor("event: image.complete\ndata: {\"url\":\"https://img.example/1.png\"}\n")

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventImageComplete)
	testutil.AssertEqual(t, ev.ImageURL, "https://img.example/1.png")
}

func TestReaderMalformedPayloadEmitsParseError(t *testing.T) {
	r := readerFor("event: tool.call\ndata: {not json\n")

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventError)
	testutil.AssertErrorIs(t, ev.Err, providers.ErrStreamParse)

	_, err := r.Next()
	testutil.AssertErrorIs(t, err, io.EOF)
}

func TestReaderServerErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"quota", providers.ErrQuota},
		{"payment_required", providers.ErrQuota},
		{"auth", providers.ErrAuth},
		{"unauthorized", providers.ErrAuth},
		{"internal", providers.ErrTransport},
	}

	for _, tc := range cases {
		r := readerFor(fmt.Sprintf("event: error\ndata: {\"code\":%q,\"message\":\"nope\"}\n", tc.code))
		ev := nextEvent(t, r)
		testutil.AssertEqual(t, ev.Type, providers.EventError)
		testutil.AssertErrorIs(t, ev.Err, tc.want)
	}
}

func TestReaderEOFWithoutDone(t *testing.T) {
	r := readerFor("event: chat.content\ndata: truncated answer\n")

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Text, "truncated answer")

	_, err := r.Next()
	testutil.AssertErrorIs(t, err, io.EOF)
}

func TestReaderStopsAfterDone(t *testing.T) {
	r := readerFor(
		"event: done\ndata: {}\nevent: chat.content\ndata: late\n",
	)

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventDone)

	_, err := r.Next()
	testutil.AssertErrorIs(t, err, io.EOF)
}

func TestReaderIgnoresEmptyContentData(t *testing.T) {
	r := readerFor(
		"event: chat.content\ndata: \nevent: done\ndata: {}\n",
	)

	ev := nextEvent(t, r)
	testutil.AssertEqual(t, ev.Type, providers.EventDone)
}
