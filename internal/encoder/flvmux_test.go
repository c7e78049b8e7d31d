package encoder

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flvtag "github.com/yutopp/go-flv/tag"
)

func videoTag(payload []byte, ts uint32) *flvtag.FlvTag {
	return &flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: ts,
		Data: &flvtag.VideoData{
			FrameType:     flvtag.FrameTypeKeyFrame,
			CodecID:       flvtag.CodecIDAVC,
			AVCPacketType: flvtag.AVCPacketTypeNALU,
			Data:          bytes.NewReader(payload),
		},
	}
}

func TestFLVMuxerProducesContainerStream(t *testing.T) {
	m, err := NewFLVMuxer()
	require.NoError(t, err)

	out := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(m.Reader())
		out <- b
	}()

	require.NoError(t, m.WriteTag(videoTag([]byte{0x01, 0x02, 0x03}, 0)))
	require.NoError(t, m.WriteTag(videoTag([]byte{0x04}, 33)))
	require.NoError(t, m.Close())

	select {
	case b := <-out:
		require.Greater(t, len(b), 13)
		assert.Equal(t, []byte("FLV"), b[:3])
	case <-time.After(2 * time.Second):
		t.Fatal("reader never drained")
	}
}

func TestFLVMuxerWriteAfterClose(t *testing.T) {
	m, err := NewFLVMuxer()
	require.NoError(t, err)

	go io.Copy(io.Discard, m.Reader())

	require.NoError(t, m.Close())
	assert.Error(t, m.WriteTag(videoTag([]byte{0x01}, 0)))
	assert.NoError(t, m.Close())
}
