package encoder

import (
	"bufio"
	"io"
	"sync"

	"github.com/pkg/errors"
	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// FLVMuxer serializes decoded FLV tags back into a container stream. The
// tab capture path feeds it tags from the ingest and reads the muxed bytes
// through Reader.
type FLVMuxer struct {
	enc *flv.Encoder
	bw  *bufio.Writer
	pw  *io.PipeWriter
	pr  *io.PipeReader

	mu     sync.Mutex
	closed bool
}

func NewFLVMuxer() (*FLVMuxer, error) {
	pr, pw := io.Pipe()
	// The encoder writes the container header during construction. Buffering
	// keeps that write from blocking until a reader attaches.
	bw := bufio.NewWriterSize(pw, 64*1024)
	enc, err := flv.NewEncoder(bw, flv.FlagsAudio|flv.FlagsVideo)
	if err != nil {
		pw.Close()
		pr.Close()
		return nil, errors.Wrap(err, "flv encoder")
	}
	return &FLVMuxer{enc: enc, bw: bw, pw: pw, pr: pr}, nil
}

// Reader yields the muxed FLV byte stream. It returns io.EOF after Close.
func (m *FLVMuxer) Reader() io.ReadCloser {
	return m.pr
}

// WriteTag appends one tag to the stream. Blocks while the reader is behind.
func (m *FLVMuxer) WriteTag(tag *flvtag.FlvTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("flv muxer closed")
	}
	if err := m.enc.Encode(tag); err != nil {
		return errors.Wrap(err, "flv encode tag")
	}
	if err := m.bw.Flush(); err != nil {
		return errors.Wrap(err, "flv flush")
	}
	return nil
}

// Close ends the stream; the reader drains what was written and sees EOF.
func (m *FLVMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.bw.Flush()
	return m.pw.Close()
}
