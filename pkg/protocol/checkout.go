package protocol

// DiffMode selects what a checkout diff compares against.
type DiffMode string

const (
	DiffUncommitted     DiffMode = "uncommitted"
	DiffCommittedVsBase DiffMode = "committed_vs_base"
)

// FileDiff is the per-file entry of a checkout diff update. Files are
// always sorted lexicographically by path.
type FileDiff struct {
	Path      string `json:"path"`
	IsNew     bool   `json:"isNew,omitempty"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Hunks     []Hunk `json:"hunks,omitempty"`
}

// Hunk is one contiguous change region of a unified diff.
type Hunk struct {
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Lines    []string `json:"lines"`
}

// CheckoutStatus summarizes a git working copy.
type CheckoutStatus struct {
	Branch     string `json:"branch"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
	Dirty      bool   `json:"dirty"`
	DirtyFiles int    `json:"dirtyFiles"`
}

// PRStatus is the pull request state for the current branch, when the
// gh CLI is available.
type PRStatus struct {
	Exists   bool   `json:"exists"`
	Number   int    `json:"number,omitempty"`
	Title    string `json:"title,omitempty"`
	State    string `json:"state,omitempty"`
	URL      string `json:"url,omitempty"`
	IsDraft  bool   `json:"isDraft,omitempty"`
	Mergeable string `json:"mergeable,omitempty"`
}

// HighlightedLine is one diff line with syntax token spans.
type HighlightedLine struct {
	// Origin is "+", "-", or " " for context.
	Origin string      `json:"origin"`
	Text   string      `json:"text"`
	Spans  []TokenSpan `json:"spans,omitempty"`
}

// TokenSpan is a syntax-highlight region within a line.
type TokenSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Style string `json:"style"`
}

// FileEntry is one row of an explore_filesystem listing.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// DownloadToken grants a time-limited file download over the multiplex
// file channel.
type DownloadToken struct {
	Token     string `json:"token"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ExpiresAt int64  `json:"expiresAt"`
}
