package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"prefix: \n",
		},
		{
			"no line break anywhere",
			"prefix: no line break anywhere",
		},
		{
			"line feed at the end\n",
			"prefix: line feed at the end\n",
		},
		{
			"\nthe big brown\nfog jumped\nover the lazy\ndog",
			"prefix: \nprefix: the big brown\nprefix: fog jumped\nprefix: over the lazy\nprefix: dog",
		},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("prefix: "),
		}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.midLine = false

		wrote, err := w.Write([]byte(spec.input))
		require.NoError(t, err, "spec %d", specIndex)
		assert.Equal(t, len(spec.input), wrote, "spec %d", specIndex)
		assert.Equal(t, spec.exp, buf.String(), "spec %d", specIndex)
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}
	)

	Fprintf(&w, "page fault at 0x%08x", 0x1000)
	Fprintf(&w, " (read)\nnext line\n")

	assert.Equal(t, "[vmm] page fault at 0x00001000 (read)\n[vmm] next line\n", buf.String())
}

type failingWriter struct{ err error }

func (w failingWriter) Write(_ []byte) (int, error) { return 0, w.err }

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("write failed")
	w := PrefixWriter{Sink: failingWriter{expErr}, Prefix: []byte("prefix: ")}

	wrote, err := w.Write([]byte("hello\n"))
	assert.Equal(t, expErr, err)
	assert.Zero(t, wrote)
}
