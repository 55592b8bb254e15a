package domain

import "fmt"

// Profile describes one requested output rendition: container format,
// target height (0 = keep source) and bitrate in kbit/s (0 = encoder
// default).
type Profile struct {
	Format      string `json:"format" yaml:"format"`
	Height      int    `json:"height,omitempty" yaml:"height"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty" yaml:"bitrate_kbps"`
}

// Key returns a stable identifier used for rendition matching and artifact
// file naming, e.g. "mp4_720p_2500k" or "mp3_192k".
func (p Profile) Key() string {
	key := p.Format
	if p.Height > 0 {
		key += fmt.Sprintf("_%dp", p.Height)
	}
	if p.BitrateKbps > 0 {
		key += fmt.Sprintf("_%dk", p.BitrateKbps)
	}
	return key
}

// Validate checks the profile is well formed.
func (p Profile) Validate() error {
	switch p.Format {
	case "mp4", "mp3":
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, p.Format)
	}
	if p.Height < 0 {
		return fmt.Errorf("%w: negative height", ErrInvalidRequest)
	}
	if p.BitrateKbps < 0 {
		return fmt.Errorf("%w: negative bitrate", ErrInvalidRequest)
	}
	return nil
}

// DefaultProfileFor returns the stock profile for a bare format request:
// mp4 capped at 720p, mp3 extracted at 192 kbit/s.
func DefaultProfileFor(format string) (Profile, bool) {
	switch format {
	case "mp4":
		return Profile{Format: "mp4", Height: 720}, true
	case "mp3":
		return Profile{Format: "mp3", BitrateKbps: 192}, true
	}
	return Profile{}, false
}

// DefaultProfiles returns the stock profile set offered when a caller does
// not spell out renditions.
func DefaultProfiles() []Profile {
	return []Profile{
		{Format: "mp4", Height: 720},
		{Format: "mp3", BitrateKbps: 192},
	}
}
