package video

import (
	"testing"

	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/stretchr/testify/require"
)

func TestConcatList(t *testing.T) {
	require := require.New(t)
	require.Equal(
		"file '/tmp/job/clip_0.mp4'\nfile '/tmp/job/clip_1.mp4'\n",
		ConcatList([]string{"/tmp/job/clip_0.mp4", "/tmp/job/clip_1.mp4"}),
	)
}

func TestConcatListAcceptsSignedURLs(t *testing.T) {
	require := require.New(t)
	require.Equal(
		"file 'https://store.example/u1/ad_1/clips/clip_0.mp4?X-Amz-Signature=abc'\n",
		ConcatList([]string{"https://store.example/u1/ad_1/clips/clip_0.mp4?X-Amz-Signature=abc"}),
	)
}

func TestConcatListEscapesQuotes(t *testing.T) {
	require := require.New(t)
	require.Equal(
		"file '/tmp/o'\\''brien/clip_0.mp4'\n",
		ConcatList([]string{"/tmp/o'brien/clip_0.mp4"}),
	)
}

func TestConcatRejectsEmptyInput(t *testing.T) {
	require := require.New(t)
	err := FFMPEGMuxer{}.ConcatClips(nil, "/tmp/out.mp4")
	require.Error(err)
	require.True(xerrors.IsMuxError(err))
	require.True(xerrors.IsUnretriable(err))
}

func TestParseFps(t *testing.T) {
	require := require.New(t)

	fps, err := parseFps("30000/1001")
	require.NoError(err)
	require.InDelta(29.97, fps, 0.01)

	fps, err = parseFps("25")
	require.NoError(err)
	require.Equal(25.0, fps)

	fps, err = parseFps("0/0")
	require.NoError(err)
	require.Equal(0.0, fps)

	_, err = parseFps("1/0")
	require.Error(err)
}

func TestGetTrack(t *testing.T) {
	require := require.New(t)
	iv := InputVideo{
		Duration: 6.5,
		Tracks: []InputTrack{
			{Type: TrackTypeVideo, Codec: "h264"},
			{Type: TrackTypeAudio, Codec: "aac"},
		},
	}
	video, err := iv.GetTrack(TrackTypeVideo)
	require.NoError(err)
	require.Equal("h264", video.Codec)
	require.True(iv.HasAudio())

	silent := InputVideo{Tracks: []InputTrack{{Type: TrackTypeVideo, Codec: "h264"}}}
	require.False(silent.HasAudio())
}
