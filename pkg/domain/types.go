package domain

import "time"

// Document is a registered source PDF. Pages stays empty until page metadata
// is first requested.
type Document struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Path      string     `json:"-"`
	Checksum  string     `json:"checksum,omitempty"`
	SizeBytes int64      `json:"sizeBytes"`
	PageCount int        `json:"pageCount"`
	Pages     []PageMeta `json:"pages,omitempty"`
	Revision  int        `json:"revision"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// PageMeta describes one page. Width and height are in PDF points of the
// unrotated visible box.
type PageMeta struct {
	Index    int     `json:"index"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation int     `json:"rotation"`
}

// Clone returns a copy that shares no slices with d.
func (d Document) Clone() Document {
	out := d
	if d.Pages != nil {
		out.Pages = append([]PageMeta(nil), d.Pages...)
	}
	return out
}

type JobKind string

const (
	JobConvert     JobKind = "convert"
	JobImagesToPDF JobKind = "images_to_pdf"
	JobMerge       JobKind = "merge"
	JobPageOps     JobKind = "page_ops"
)

// ParseJobKind reports whether kind names a supported batch job.
func ParseJobKind(kind string) (JobKind, bool) {
	switch JobKind(kind) {
	case JobConvert, JobImagesToPDF, JobMerge, JobPageOps:
		return JobKind(kind), true
	default:
		return "", false
	}
}

type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// JobResult is the outcome of one batch input.
type JobResult struct {
	Index      int          `json:"index"`
	Input      string       `json:"input"`
	Status     ResultStatus `json:"status"`
	OutputPath string       `json:"outputPath,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// BatchJob is written only by the worker executing it.
type BatchJob struct {
	ID           string            `json:"id"`
	Kind         JobKind           `json:"kind"`
	Inputs       []string          `json:"inputs"`
	Options      map[string]string `json:"options,omitempty"`
	Status       JobStatus         `json:"status"`
	CurrentIndex int               `json:"currentIndex"`
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
	Results      []JobResult       `json:"results"`
	OutputPath   string            `json:"outputPath,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (j BatchJob) Clone() BatchJob {
	out := j
	out.Inputs = append([]string(nil), j.Inputs...)
	if j.Options != nil {
		out.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			out.Options[k] = v
		}
	}
	out.Results = make([]JobResult, len(j.Results))
	for i, r := range j.Results {
		r.Warnings = append([]string(nil), r.Warnings...)
		out.Results[i] = r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Percent is the share of inputs already processed.
func (j BatchJob) Percent() float64 {
	if len(j.Inputs) == 0 {
		return 0
	}
	return float64(j.CurrentIndex) / float64(len(j.Inputs)) * 100
}

// JobProgress is a consistent read-only view of a running job.
type JobProgress struct {
	ID           string     `json:"id"`
	Kind         JobKind    `json:"kind"`
	Status       JobStatus  `json:"status"`
	Percent      float64    `json:"percent"`
	CurrentIndex int        `json:"currentIndex"`
	Total        int        `json:"total"`
	SuccessCount int        `json:"successCount"`
	FailureCount int        `json:"failureCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Progress snapshots j.
func (j BatchJob) Progress() JobProgress {
	p := JobProgress{
		ID:           j.ID,
		Kind:         j.Kind,
		Status:       j.Status,
		Percent:      j.Percent(),
		CurrentIndex: j.CurrentIndex,
		Total:        len(j.Inputs),
		SuccessCount: j.SuccessCount,
		FailureCount: j.FailureCount,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		p.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		p.CompletedAt = &t
	}
	return p
}

// MergeQueueEntry references one page queued for a combined output.
type MergeQueueEntry struct {
	ID                 string    `json:"id"`
	DocumentID         string    `json:"documentId"`
	PageIndex          int       `json:"pageIndex"`
	SourceDocumentName string    `json:"sourceDocumentName"`
	Thumbnail          string    `json:"thumbnail,omitempty"`
	Width              float64   `json:"width"`
	Height             float64   `json:"height"`
	Rotation           int       `json:"rotation"`
	AddedAt            time.Time `json:"addedAt"`
	// Revision is the document revision PageIndex refers to.
	Revision int `json:"revision"`
}

// MergeConfig controls the final write of the merge queue.
type MergeConfig struct {
	PageSize       string `json:"pageSize"`
	Orientation    string `json:"orientation"`
	OutputFileName string `json:"outputFileName"`
}

type MergeResult struct {
	Success     bool     `json:"success"`
	OutputPath  string   `json:"outputPath,omitempty"`
	DownloadURL string   `json:"downloadUrl,omitempty"`
	TotalPages  int      `json:"totalPages"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ConversionOptions carries format-specific knobs. Zero values mean defaults.
type ConversionOptions struct {
	Quality            int    `json:"quality,omitempty"`
	DPI                int    `json:"dpi,omitempty"`
	Password           string `json:"password,omitempty"`
	PageSize           string `json:"pageSize,omitempty"`
	Orientation        string `json:"orientation,omitempty"`
	OCRMode            string `json:"ocrMode,omitempty"`
	PreserveFormatting bool   `json:"preserveFormatting,omitempty"`
}

type ConversionResult struct {
	Success      bool     `json:"success"`
	OutputPath   string   `json:"outputPath,omitempty"`
	OutputPaths  []string `json:"outputPaths,omitempty"`
	OutputFormat string   `json:"outputFormat"`
	DownloadURL  string   `json:"downloadUrl,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Rect is a page-space rectangle, origin bottom-left.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Annotation struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	PageIndex  int       `json:"pageIndex"`
	Rect       Rect      `json:"rect"`
	Content    string    `json:"content"`
	Author     string    `json:"author,omitempty"`
	Color      string    `json:"color"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

const DefaultAnnotationColor = "#FF5722"

type SearchOptions struct {
	CaseSensitive bool `json:"caseSensitive"`
	WholeWord     bool `json:"wholeWord"`
	Regex         bool `json:"regex"`
	Fuzzy         bool `json:"fuzzy"`
}

type SearchHit struct {
	DocumentID string `json:"documentId"`
	PageIndex  int    `json:"pageIndex"`
	Snippet    string `json:"snippet"`
	Score      int    `json:"score,omitempty"`
}
