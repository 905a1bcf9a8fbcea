package mysensors

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"owrelay-go/errcode"
)

func TestEncode(t *testing.T) {
	b, err := Encode(SetTemp(1, 0, 21500, true))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "1;0;1;0;0;21.5\n" {
		t.Fatalf("got %q", b)
	}

	long := Message{NodeID: 1, Payload: strings.Repeat("x", MaxPayload+1)}
	if _, err := Encode(long); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("long payload err = %v", err)
	}
	if _, err := Encode(Message{Command: 9}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestParseLine(t *testing.T) {
	m, err := ParseLine("12;3;2;1;0;a;b\r\n")
	if err != nil {
		t.Fatal(err)
	}
	want := Message{NodeID: 12, ChildID: 3, Command: Req, Ack: true, Type: VTemp, Payload: "a;b"}
	if m != want {
		t.Fatalf("got %+v, want %+v", m, want)
	}

	bad := []string{
		"",
		"1;2;3;4;5",
		"256;0;1;0;0;x",
		"1;0;1;2;0;x",
		"1;0;7;0;0;x",
		"a;0;1;0;0;x",
	}
	for _, line := range bad {
		if _, err := ParseLine(line); err == nil {
			t.Errorf("ParseLine(%q) accepted", line)
		}
	}
}

func TestReaderSkipsBlankAndRecovers(t *testing.T) {
	in := "0;255;3;0;14;Gateway startup complete.\n\ngarbage\n5;1;2;0;0;\n"
	r := NewReader(strings.NewReader(in))

	m, err := r.Read()
	if err != nil || m.Type != 14 || m.Payload != "Gateway startup complete." {
		t.Fatalf("first = %+v, %v", m, err)
	}
	if _, err := r.Read(); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("garbage err = %v", err)
	}
	m, err = r.Read()
	if err != nil || m.NodeID != 5 || m.ChildID != 1 || m.Command != Req {
		t.Fatalf("third = %+v, %v", m, err)
	}
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("end err = %v", err)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(PresentNode(7)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(PresentChild(7, 1, STemp, "A very long location label here")); err != nil {
		t.Fatal(err)
	}
	want := "7;255;0;0;17;" + LibraryVersion + "\n7;1;0;0;6;A very long location labe\n"
	if buf.String() != want {
		t.Fatalf("got %q\nwant %q", buf.String(), want)
	}
}

func TestTopicRoundTrip(t *testing.T) {
	m := SetTemp(4, 2, -3250, true)
	topic := Topic("mygateway1-out/", m)
	if topic != "mygateway1-out/4/2/1/0/0" {
		t.Fatalf("topic = %q", topic)
	}
	got, err := ParseTopic("mygateway1-out", topic, []byte(m.Payload))
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
	if SubscribeTopic(DefaultPrefixIn) != "mygateway1-in/+/+/+/+/+" {
		t.Fatal("SubscribeTopic")
	}
}

func TestParseTopicErrors(t *testing.T) {
	cases := []string{
		"other/1/2/1/0/0",
		"gw/1/2/1/0",
		"gw/1/2/1/0/0/9",
		"gw/1/x/1/0/0",
		"gw/1/2/1/3/0",
	}
	for _, c := range cases {
		if _, err := ParseTopic("gw", c, nil); errcode.Of(err) != errcode.InvalidTopic {
			t.Errorf("ParseTopic(%q) err = %v", c, err)
		}
	}
}

func TestFormatMilliC(t *testing.T) {
	cases := []struct {
		in     int32
		metric bool
		want   string
	}{
		{21500, true, "21.5"},
		{21560, true, "21.6"},
		{21549, true, "21.5"},
		{0, true, "0.0"},
		{-50, true, "-0.1"},
		{-40, true, "0.0"},
		{-10125, true, "-10.1"},
		{125000, true, "125.0"},
		{0, false, "32.0"},
		{21500, false, "70.7"},
		{-40000, false, "-40.0"},
	}
	for _, tc := range cases {
		if got := FormatMilliC(tc.in, tc.metric); got != tc.want {
			t.Errorf("FormatMilliC(%d, %v) = %q, want %q", tc.in, tc.metric, got, tc.want)
		}
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("a", 24) + "é" // é straddles byte 25
	got := Truncate(s)
	if got != strings.Repeat("a", 24) {
		t.Fatalf("got %q", got)
	}
	if Truncate("short") != "short" {
		t.Fatal("short string changed")
	}
}
