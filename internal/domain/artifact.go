package domain

import "time"

// Artifact is one stored output file. Immutable once written; referenced,
// not owned, by its job. Lifetime is governed by the artifact store's
// retention policy.
type Artifact struct {
	ID        string
	JobID     string
	Profile   Profile
	Path      string
	Size      int64
	Checksum  string
	CreatedAt time.Time
}
