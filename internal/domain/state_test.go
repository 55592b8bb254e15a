package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		want bool
	}{
		{"queued to resolving", StateQueued, StateResolving, true},
		{"resolving to fetching", StateResolving, StateFetching, true},
		{"fetching to transcoding", StateFetching, StateTranscoding, true},
		{"transcoding to done", StateTranscoding, StateDone, true},
		{"transcoding to partially done", StateTranscoding, StatePartiallyDone, true},
		{"transcoding to failed", StateTranscoding, StateFailed, true},
		{"resolving to failed", StateResolving, StateFailed, true},
		{"queued to cancelled", StateQueued, StateCancelled, true},
		{"fetching to cancelled", StateFetching, StateCancelled, true},
		{"transcoding to cancelled", StateTranscoding, StateCancelled, true},

		{"queued skips fetching", StateQueued, StateFetching, false},
		{"queued straight to done", StateQueued, StateDone, false},
		{"resolving skips to transcoding", StateResolving, StateTranscoding, false},
		{"fetching backwards", StateFetching, StateResolving, false},
		{"done is terminal", StateDone, StateCancelled, false},
		{"failed is terminal", StateFailed, StateQueued, false},
		{"cancelled is terminal", StateCancelled, StateResolving, false},
		{"partially done is terminal", StatePartiallyDone, StateDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	terminal := []JobState{StateDone, StatePartiallyDone, StateFailed, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s should be terminal", s)
	}

	active := []JobState{StateQueued, StateResolving, StateFetching, StateTranscoding}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "state %s should not be terminal", s)
	}
}

func TestProfileKey(t *testing.T) {
	tests := []struct {
		profile Profile
		want    string
	}{
		{Profile{Format: "mp4", Height: 720, BitrateKbps: 2500}, "mp4_720p_2500k"},
		{Profile{Format: "mp4", Height: 720}, "mp4_720p"},
		{Profile{Format: "mp3", BitrateKbps: 192}, "mp3_192k"},
		{Profile{Format: "mp4"}, "mp4"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.profile.Key())
	}
}

func TestProfileValidate(t *testing.T) {
	assert.NoError(t, Profile{Format: "mp4", Height: 720}.Validate())
	assert.NoError(t, Profile{Format: "mp3", BitrateKbps: 192}.Validate())

	assert.ErrorIs(t, Profile{Format: "avi"}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Profile{Format: "mp4", Height: -1}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Profile{Format: "mp3", BitrateKbps: -5}.Validate(), ErrInvalidRequest)
}

func TestDefaultProfileFor(t *testing.T) {
	p, ok := DefaultProfileFor("mp4")
	assert.True(t, ok)
	assert.Equal(t, 720, p.Height)

	p, ok = DefaultProfileFor("mp3")
	assert.True(t, ok)
	assert.Equal(t, 192, p.BitrateKbps)

	_, ok = DefaultProfileFor("mkv")
	assert.False(t, ok)
}

func TestRetryableError(t *testing.T) {
	base := ErrResolution
	wrapped := NewRetryableError(base)

	assert.True(t, IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsRetryable(base))
}
