package storage

// JobKind selects which of the async storage operations spec.md §4.4 names
// a Job performs.
type JobKind uint8

const (
	JobCheckFastresume JobKind = iota
	JobCheckFiles
	JobRead
	JobWrite
	JobReleaseFiles
	JobDeleteFiles
	JobRename
	JobMoveStorage
	JobSaveResumeData
)

// Job is the single request type the adapter's job loop consumes; only the
// fields relevant to Kind are populated.
type Job struct {
	Kind JobKind

	PieceIdx uint32
	Offset   uint32
	Length   uint32
	Data     []byte

	// ResumeVerified is the per-piece "already verified" claim from a
	// loaded resume blob, consulted by JobCheckFastresume.
	ResumeVerified []bool

	NewName string
	NewPath string
}

// Result is the single completion type posted to Adapter.Results; which
// fields are meaningful depends on Job.Kind.
type Result struct {
	Job Job
	Err error

	// JobRead
	Data []byte

	// JobCheckFiles / JobCheckFastresume (per-piece)
	PieceIndex uint32
	Verified   bool
	Done       bool

	// JobCheckFastresume (whole-check decision)
	FullCheckNeeded bool

	// JobSaveResumeData
	ResumeVerified []bool
}
