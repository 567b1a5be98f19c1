/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package listener

import (
	"bufio"
	"bytes"
	"testing"
)

func scanAll(t *testing.T, input string) (out []string) {
	t.Helper()
	scn := bufio.NewScanner(bytes.NewBufferString(input))
	scn.Split(splitFrame)
	for scn.Scan() {
		out = append(out, string(scn.Bytes()))
	}
	if err := scn.Err(); err != nil {
		t.Fatalf("scan error on %q: %v", input, err)
	}
	return
}

func TestSplitFrameNewline(t *testing.T) {
	tsts := []struct {
		input string
		want  []string
	}{
		{"<34>hello\n", []string{`<34>hello`}},
		{"<34>hello\r\n<35>there\n", []string{`<34>hello`, `<35>there`}},
		{"<34>no trailing newline", []string{`<34>no trailing newline`}},
		{"\n\n<34>junk prefix\n", []string{`<34>junk prefix`}},
		{"", nil},
	}
	for _, tst := range tsts {
		got := scanAll(t, tst.input)
		if len(got) != len(tst.want) {
			t.Fatalf("%q: got %d frames, want %d", tst.input, len(got), len(tst.want))
		}
		for i := range got {
			if got[i] != tst.want[i] {
				t.Fatalf("%q: frame %d = %q, want %q", tst.input, i, got[i], tst.want[i])
			}
		}
	}
}

func TestSplitFrameOctetCounting(t *testing.T) {
	tsts := []struct {
		input string
		want  []string
	}{
		{"11 <34>hello1", []string{`<34>hello1`}},
		{"11 <34>hello111 <34>hello2", []string{`<34>hello1`, `<34>hello2`}},
		// embedded newlines survive inside a counted frame
		{"12 <34>hel\nlo1", []string{"<34>hel\nlo1"}},
	}
	for _, tst := range tsts {
		got := scanAll(t, tst.input)
		if len(got) != len(tst.want) {
			t.Fatalf("%q: got %d frames %v, want %d", tst.input, len(got), got, len(tst.want))
		}
		for i := range got {
			if got[i] != tst.want[i] {
				t.Fatalf("%q: frame %d = %q, want %q", tst.input, i, got[i], tst.want[i])
			}
		}
	}
}

func TestSplitFrameMixed(t *testing.T) {
	// a connection may interleave framings, each frame decides for itself
	got := scanAll(t, "11 <34>hello1<35>newline framed\n9 <36>short")
	want := []string{`<34>hello1`, `<35>newline framed`, `<36>short`}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitFrameDigitFallback(t *testing.T) {
	// starts with a digit but is not octet counted
	got := scanAll(t, "12:34:56 something happened\n")
	if len(got) != 1 || got[0] != `12:34:56 something happened` {
		t.Fatalf("got %v", got)
	}
}

func TestTranslateBind(t *testing.T) {
	tsts := []struct {
		val  string
		bt   bindType
		addr string
		ok   bool
	}{
		{val: `udp://0.0.0.0:514`, bt: bindUDP, addr: `0.0.0.0:514`, ok: true},
		{val: `tcp://127.0.0.1:601`, bt: bindTCP, addr: `127.0.0.1:601`, ok: true},
		{val: `tls://0.0.0.0:6514`, bt: bindTLS, addr: `0.0.0.0:6514`, ok: true},
		{val: `0.0.0.0:514`, bt: bindTCP, addr: `0.0.0.0:514`, ok: true}, // bare defaults to tcp
		{val: `sctp://0.0.0.0:514`, ok: false},
		{val: `udp://`, ok: false},
		{val: ``, ok: false},
	}
	for _, tst := range tsts {
		bt, addr, err := translateBind(tst.val)
		if (err == nil) != tst.ok {
			t.Fatalf("%q: err %v, ok %v", tst.val, err, tst.ok)
		}
		if err == nil && (bt != tst.bt || addr != tst.addr) {
			t.Fatalf("%q: got (%v, %q)", tst.val, bt, addr)
		}
	}
}
