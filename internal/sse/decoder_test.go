package sse

import (
	"reflect"
	"testing"
)

func TestDecoder_SingleFrame(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))

	want := []Frame{{Event: "message_start", Data: `{"type":"message_start"}`}}
	if !reflect.DeepEqual(frames, want) {
		t.Fatalf("got %+v, want %+v", frames, want)
	}
}

func TestDecoder_MultiLineDataJoinedWithNewline(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("data: line one\ndata: line two\n\n"))

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Data != "line one\nline two" {
		t.Errorf("Data = %q", frames[0].Data)
	}
}

func TestDecoder_DoneSentinel(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("data: [DONE]\n\n"))
	if len(frames) != 1 || !frames[0].IsTerminal {
		t.Fatalf("expected terminal frame, got %+v", frames)
	}
}

func TestDecoder_CommentLinesIgnored(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte(":keepalive\ndata: hello\n\n"))
	if len(frames) != 1 || frames[0].Data != "hello" {
		t.Fatalf("got %+v", frames)
	}
}

func TestDecoder_CRLFTerminator(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("data: hi\r\n\r\n"))
	if len(frames) != 1 || frames[0].Data != "hi" {
		t.Fatalf("got %+v", frames)
	}
}

// TestDecoder_ArbitraryChunkBoundaries feeds the same logical stream split
// at every possible byte offset and checks the decoded frames are
// identical regardless of where the cuts land, including mid-multibyte-rune
// and mid-field-name splits.
func TestDecoder_ArbitraryChunkBoundaries(t *testing.T) {
	payload := "event: content_block_delta\ndata: {\"text\":\"caf\xc3\xa9 \xe2\x9c\x93\"}\n\ndata: [DONE]\n\n"
	full := []byte(payload)

	want := NewDecoder().Feed(full)

	for cut := 1; cut < len(full); cut++ {
		d := NewDecoder()
		var got []Frame
		got = append(got, d.Feed(full[:cut])...)
		got = append(got, d.Feed(full[cut:])...)

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("cut at %d: got %+v, want %+v", cut, got, want)
		}
	}
}

func TestDecoder_MultipleFramesInOneChunk(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Event != "a" || frames[1].Event != "b" {
		t.Errorf("got %+v", frames)
	}
}

func TestDecoder_DataWithoutLeadingSpace(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("data:nospace\n\n"))
	if len(frames) != 1 || frames[0].Data != "nospace" {
		t.Fatalf("got %+v", frames)
	}
}
