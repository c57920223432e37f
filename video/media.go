package video

import "fmt"

type TrackType string

const (
	TrackTypeVideo TrackType = "video"
	TrackTypeAudio TrackType = "audio"
)

// InputVideo is the probed shape of a media file.
type InputVideo struct {
	Format    string       `json:"format,omitempty"`
	Duration  float64      `json:"duration,omitempty"`
	SizeBytes int64        `json:"size,omitempty"`
	Tracks    []InputTrack `json:"tracks,omitempty"`
}

type InputTrack struct {
	Type    TrackType `json:"type"`
	Codec   string    `json:"codec"`
	Bitrate int64     `json:"bitrate,omitempty"`

	VideoTrack
	AudioTrack
}

type VideoTrack struct {
	Width  int64   `json:"width,omitempty"`
	Height int64   `json:"height,omitempty"`
	FPS    float64 `json:"fps,omitempty"`
}

type AudioTrack struct {
	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
}

func (i InputVideo) GetTrack(trackType TrackType) (InputTrack, error) {
	for _, t := range i.Tracks {
		if t.Type == trackType {
			return t, nil
		}
	}
	return InputTrack{}, fmt.Errorf("no %s track found", trackType)
}

func (i InputVideo) HasAudio() bool {
	_, err := i.GetTrack(TrackTypeAudio)
	return err == nil
}
