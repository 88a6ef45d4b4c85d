package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
)

// Batch option keys.
const (
	OptTargetFormat       = "target_format"
	OptPageSize           = "page_size"
	OptOrientation        = "orientation"
	OptQuality            = "quality"
	OptDPI                = "dpi"
	OptPassword           = "password"
	OptOCRMode            = "ocr_mode"
	OptPreserveFormatting = "preserve_formatting"
	OptOutputFileName     = "output_file_name"
	OptOperation          = "operation"
	OptIndex              = "index"
	OptDegrees            = "degrees"
	OptFrom               = "from"
	OptTo                 = "to"
	OptIndices            = "indices"
	OptAxis               = "axis"
	OptSourceDocumentID   = "source_document_id"
	OptSourceIndex        = "source_index"
)

// conversionOptions reads the conversion knobs out of a job's options.
func conversionOptions(options map[string]string) (domain.ConversionOptions, error) {
	opts := domain.ConversionOptions{
		Password: options[OptPassword],
		PageSize: options[OptPageSize],
		OCRMode:  options[OptOCRMode],
	}
	if _, _, err := domain.LookupPageSize(opts.PageSize); err != nil {
		return opts, err
	}
	if o, err := domain.ParseOrientation(options[OptOrientation]); err != nil {
		return opts, err
	} else {
		opts.Orientation = string(o)
	}
	var err error
	if opts.Quality, err = optInt(options, OptQuality, 0); err != nil {
		return opts, err
	}
	if opts.DPI, err = optInt(options, OptDPI, 0); err != nil {
		return opts, err
	}
	if v := options[OptPreserveFormatting]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("%w: %s must be a boolean", domain.ErrInvalidOperation, OptPreserveFormatting)
		}
		opts.PreserveFormatting = b
	}
	return opts, nil
}

func optInt(options map[string]string, key string, def int) (int, error) {
	v := strings.TrimSpace(options[key])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s must be an integer", domain.ErrInvalidOperation, key)
	}
	return n, nil
}

func requireInt(options map[string]string, key string) (int, error) {
	if strings.TrimSpace(options[key]) == "" {
		return 0, fmt.Errorf("%w: option %s required", domain.ErrInvalidOperation, key)
	}
	return optInt(options, key, 0)
}

// resolveInput maps a batch input to a file. Inputs are document ids or
// paths relative to the storage dir. A document's file stays pinned until
// release is called.
func (a *App) resolveInput(ctx context.Context, input string) (string, func(), error) {
	doc, release, err := a.Documents.Open(ctx, input)
	if err == nil {
		return doc.Path, release, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", nil, err
	}
	path := filepath.Join(a.Documents.Dir(), filepath.Clean("/"+input))
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		return path, func() {}, nil
	}
	return "", nil, fmt.Errorf("%w: input %s", domain.ErrNotFound, input)
}

func (a *App) registerJobHandlers() {
	a.Batch.Handle(domain.JobConvert, JobHandler{
		Validate: func(_ []string, options map[string]string) error {
			if strings.TrimSpace(options[OptTargetFormat]) == "" {
				return fmt.Errorf("%w: option %s required", domain.ErrInvalidOperation, OptTargetFormat)
			}
			_, err := conversionOptions(options)
			return err
		},
		Input: func(ctx context.Context, job domain.BatchJob, input string) (domain.JobResult, error) {
			return a.convertInput(ctx, job, input, job.Options[OptTargetFormat])
		},
	})

	a.Batch.Handle(domain.JobImagesToPDF, JobHandler{
		Validate: func(_ []string, options map[string]string) error {
			_, err := conversionOptions(options)
			return err
		},
		Input: func(ctx context.Context, job domain.BatchJob, input string) (domain.JobResult, error) {
			path, release, err := a.resolveInput(ctx, input)
			if err != nil {
				return domain.JobResult{}, err
			}
			defer release()
			if class, _ := classify(path); class != classImage {
				return domain.JobResult{}, fmt.Errorf("%w: %s is not an image", domain.ErrUnsupportedFormat, filepath.Base(path))
			}
			return a.convertInput(ctx, job, input, "pdf")
		},
	})

	a.Batch.Handle(domain.JobMerge, JobHandler{
		Input: func(ctx context.Context, _ domain.BatchJob, input string) (domain.JobResult, error) {
			path, release, err := a.resolveInput(ctx, input)
			if err != nil {
				return domain.JobResult{}, err
			}
			defer release()
			if !isPDF(path) {
				return domain.JobResult{}, fmt.Errorf("%w: %s is not a PDF", domain.ErrUnsupportedFormat, filepath.Base(path))
			}
			if err := a.engine.Validate(path, ""); err != nil {
				return domain.JobResult{}, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
			}
			return domain.JobResult{}, nil
		},
		Finish: a.finishMergeJob,
	})

	a.Batch.Handle(domain.JobPageOps, JobHandler{
		Validate: func(_ []string, options map[string]string) error {
			_, err := a.pageOp(options)
			return err
		},
		Input: func(ctx context.Context, job domain.BatchJob, input string) (domain.JobResult, error) {
			op, err := a.pageOp(job.Options)
			if err != nil {
				return domain.JobResult{}, err
			}
			doc, err := op(ctx, input)
			if err != nil {
				return domain.JobResult{}, err
			}
			return domain.JobResult{Warnings: pageOpSummary(doc)}, nil
		},
	})
}

func pageOpSummary(doc domain.Document) []string {
	return []string{fmt.Sprintf("revision %d has %d pages", doc.Revision, doc.PageCount)}
}

func (a *App) convertInput(ctx context.Context, job domain.BatchJob, input, target string) (domain.JobResult, error) {
	path, release, err := a.resolveInput(ctx, input)
	if err != nil {
		return domain.JobResult{}, err
	}
	defer release()
	opts, err := conversionOptions(job.Options)
	if err != nil {
		return domain.JobResult{}, err
	}
	res, err := a.Converter.Convert(ctx, path, target, opts)
	if err != nil {
		return domain.JobResult{}, err
	}
	out := domain.JobResult{OutputPath: res.OutputPath, Warnings: res.Warnings}
	if len(res.OutputPaths) > 1 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d files written", len(res.OutputPaths)))
	}
	return out, nil
}

// finishMergeJob concatenates every input that validated, in input order.
func (a *App) finishMergeJob(ctx context.Context, job domain.BatchJob) (string, error) {
	var (
		sources []string
		seq     []pdfkit.PageRef
	)
	for _, r := range job.Results {
		if r.Status != domain.ResultSucceeded {
			continue
		}
		path, release, err := a.resolveInput(ctx, r.Input)
		if err != nil {
			return "", err
		}
		defer release()
		n, err := a.engine.PageCount(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
		}
		for p := 0; p < n; p++ {
			seq = append(seq, pdfkit.PageRef{Source: len(sources), Page: p})
		}
		sources = append(sources, path)
	}
	name := job.Options[OptOutputFileName]
	if strings.TrimSpace(name) == "" {
		name = "batch-merge.pdf"
	}
	out := filepath.Join(a.Converter.OutputDir(), shortID(job.ID)+"-"+mergeOutputName(name))
	if err := a.engine.Assemble(ctx, sources, seq, out); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("combine inputs: %w", err)
	}
	return out, nil
}

type pageOpFunc func(ctx context.Context, documentID string) (domain.Document, error)

// pageOp turns job options into one Page Mutator call.
func (a *App) pageOp(options map[string]string) (pageOpFunc, error) {
	switch op := strings.ToLower(strings.TrimSpace(options[OptOperation])); op {
	case "insert":
		index, err := requireInt(options, OptIndex)
		if err != nil {
			return nil, err
		}
		var src *SourcePage
		if id := strings.TrimSpace(options[OptSourceDocumentID]); id != "" {
			si, err := requireInt(options, OptSourceIndex)
			if err != nil {
				return nil, err
			}
			src = &SourcePage{DocumentID: id, Index: si}
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Insert(ctx, id, index, src)
		}, nil
	case "delete":
		index, err := requireInt(options, OptIndex)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Delete(ctx, id, index)
		}, nil
	case "move":
		from, err := requireInt(options, OptFrom)
		if err != nil {
			return nil, err
		}
		to, err := requireInt(options, OptTo)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Move(ctx, id, from, to)
		}, nil
	case "rotate":
		index, err := requireInt(options, OptIndex)
		if err != nil {
			return nil, err
		}
		degrees, err := requireInt(options, OptDegrees)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Rotate(ctx, id, index, degrees)
		}, nil
	case "merge":
		indices, err := parseIndices(options[OptIndices])
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Merge(ctx, id, indices)
		}, nil
	case "split":
		index, err := requireInt(options, OptIndex)
		if err != nil {
			return nil, err
		}
		axis := Axis(strings.ToLower(strings.TrimSpace(options[OptAxis])))
		if axis != AxisVertical && axis != AxisHorizontal {
			return nil, fmt.Errorf("%w: axis must be vertical or horizontal", domain.ErrInvalidOperation)
		}
		return func(ctx context.Context, id string) (domain.Document, error) {
			return a.Pages.Split(ctx, id, index, axis)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown page operation %q", domain.ErrInvalidOperation, op)
	}
}

func parseIndices(v string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: indices must be comma separated integers", domain.ErrInvalidOperation)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: option %s required", domain.ErrInvalidOperation, OptIndices)
	}
	return out, nil
}
