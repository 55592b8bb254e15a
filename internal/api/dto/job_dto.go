package dto

import "github.com/aseltyar/video-downloader/internal/domain"

type CreateJobRequest struct {
	SourceURL string       `json:"source_url" binding:"required"`
	Profiles  []ProfileDTO `json:"profiles"`
	Formats   []string     `json:"formats"`
}

type ProfileDTO struct {
	Format      string `json:"format"`
	Height      int    `json:"height,omitempty"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
}

type ListJobsRequest struct {
	State string `form:"state"`
	Limit int    `form:"limit"`
}

type ListJobsResponse struct {
	Jobs []JobStatusDTO `json:"jobs"`
}

type JobStatusDTO struct {
	JobID       string         `json:"job_id"`
	SourceURL   string         `json:"source_url"`
	State       string         `json:"state"`
	Progress    float64        `json:"progress"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Renditions  []RenditionDTO `json:"renditions"`
	Artifacts   []ArtifactDTO  `json:"artifacts"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type RenditionDTO struct {
	Profile  ProfileDTO `json:"profile"`
	State    string     `json:"state"`
	Attempts int        `json:"attempts"`
	Detail   string     `json:"detail,omitempty"`
}

type ArtifactDTO struct {
	Profile   ProfileDTO `json:"profile"`
	SizeBytes int64      `json:"size_bytes"`
	Checksum  string     `json:"checksum"`
	URL       string     `json:"url"`
}

// ToProfile maps the wire shape onto the domain profile. Validation is the
// domain's job, not the DTO's.
func (p ProfileDTO) ToProfile() domain.Profile {
	return domain.Profile{Format: p.Format, Height: p.Height, BitrateKbps: p.BitrateKbps}
}

func FromProfile(p domain.Profile) ProfileDTO {
	return ProfileDTO{Format: p.Format, Height: p.Height, BitrateKbps: p.BitrateKbps}
}
