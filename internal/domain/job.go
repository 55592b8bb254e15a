package domain

import "time"

// Job is the unit of work: one source reference converted into one or more
// renditions. The JobStore owns the canonical copy; everything handed out
// by the store is a snapshot.
type Job struct {
	ID           string
	SourceRef    string
	Profiles     []Profile
	State        JobState
	Detail       string
	Renditions   []Rendition
	Artifacts    []Artifact
	Progress     float64
	BytesFetched int64
	BytesTotal   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rendition tracks one requested output profile of a job. Sub-state is
// independent of sibling renditions so partial success stays representable.
type Rendition struct {
	Profile  Profile
	State    RenditionState
	Attempts int
	Detail   string
}

// RenditionState is the per-rendition sub-state.
type RenditionState string

const (
	RenditionPending  RenditionState = "PENDING"
	RenditionEncoding RenditionState = "ENCODING"
	RenditionDone     RenditionState = "DONE"
	RenditionFailed   RenditionState = "FAILED"
)

// Rendition lookup by profile key.
func (j *Job) Rendition(p Profile) *Rendition {
	for i := range j.Renditions {
		if j.Renditions[i].Profile.Key() == p.Key() {
			return &j.Renditions[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the store.
func (j *Job) Clone() *Job {
	c := *j
	c.Profiles = append([]Profile(nil), j.Profiles...)
	c.Renditions = append([]Rendition(nil), j.Renditions...)
	c.Artifacts = append([]Artifact(nil), j.Artifacts...)
	return &c
}
