package video

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "github.com/adforge/adforge-api/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Muxer is the mux tool boundary. Concat inputs may be HTTPS URLs or local
// paths; everything else is local, and moving bytes in and out of the
// artifact store is the caller's business.
type Muxer interface {
	ConcatClips(clipRefs []string, outputPath string) error
	ReplaceAudio(videoPath, audioPath, outputPath string) error
	ExtractLastFrame(videoPath, framePath string) error
}

type FFMPEGMuxer struct{}

// ConcatClips joins sequential clips losslessly with the concat demuxer. The
// clips all come from the same video model so their codec parameters match.
// Entries are normally signed HTTPS URLs, streamed straight from the artifact
// store, so the protocol whitelist must allow network inputs.
func (m FFMPEGMuxer) ConcatClips(clipRefs []string, outputPath string) error {
	if len(clipRefs) == 0 {
		return xerrors.NewMuxError("concat", "", fmt.Errorf("no clips to concatenate"))
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat_list.txt")
	if err := os.WriteFile(listPath, []byte(ConcatList(clipRefs)), 0644); err != nil {
		return xerrors.NewMuxError("concat", "", fmt.Errorf("error writing concat list: %w", err))
	}
	defer os.Remove(listPath)

	var stderr bytes.Buffer
	err := ffmpeg.Input(listPath, ffmpeg.KwArgs{
		"f":                  "concat",
		"safe":               "0",
		"protocol_whitelist": "file,http,https,tcp,tls",
	}).
		Output(outputPath, ffmpeg.KwArgs{"c": "copy", "movflags": "faststart"}).
		OverWriteOutput().WithErrorOutput(&stderr).Run()
	if err != nil {
		return xerrors.NewMuxError("concat", stderr.String(), err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return xerrors.NewMuxError("concat", stderr.String(), fmt.Errorf("failed to stat concatenated file: %w", err))
	}
	return nil
}

// ReplaceAudio swaps the merged video's audio for the synthesized voice
// track. Video stream is copied untouched; output ends with the shorter of
// the two inputs so a slightly long voice track cannot freeze the last frame.
func (m FFMPEGMuxer) ReplaceAudio(videoPath, audioPath, outputPath string) error {
	var stderr bytes.Buffer
	videoInput := ffmpeg.Input(videoPath)
	audioInput := ffmpeg.Input(audioPath)
	err := ffmpeg.Output(
		[]*ffmpeg.Stream{videoInput, audioInput},
		outputPath,
		ffmpeg.KwArgs{
			"c:v":      "copy",
			"c:a":      "aac",
			"map":      []string{"0:v:0", "1:a:0"},
			"shortest": "",
			"movflags": "faststart",
		},
	).OverWriteOutput().WithErrorOutput(&stderr).Run()
	if err != nil {
		return xerrors.NewMuxError("replace-audio", stderr.String(), err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return xerrors.NewMuxError("replace-audio", stderr.String(), fmt.Errorf("failed to stat output file: %w", err))
	}
	return nil
}

// ExtractLastFrame writes the final frame of a clip as a PNG, used as the
// continuity reference for the next clip's generation.
func (m FFMPEGMuxer) ExtractLastFrame(videoPath, framePath string) error {
	var stderr bytes.Buffer
	err := ffmpeg.Input(videoPath, ffmpeg.KwArgs{"sseof": "-1"}).
		Output(framePath, ffmpeg.KwArgs{"frames:v": "1", "q:v": "2", "update": "1"}).
		OverWriteOutput().WithErrorOutput(&stderr).Run()
	if err != nil {
		return xerrors.NewMuxError("extract-last-frame", stderr.String(), err)
	}

	if _, err := os.Stat(framePath); err != nil {
		return xerrors.NewMuxError("extract-last-frame", stderr.String(), fmt.Errorf("failed to stat frame file: %w", err))
	}
	return nil
}

// ConcatList renders the concat demuxer's input list. Single quotes in paths
// are escaped the way the demuxer expects.
func ConcatList(clipPaths []string) string {
	var buf bytes.Buffer
	for _, p := range clipPaths {
		fmt.Fprintf(&buf, "file '%s'\n", escapeConcatPath(p))
	}
	return buf.String()
}

func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
