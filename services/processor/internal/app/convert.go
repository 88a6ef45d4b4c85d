package app

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
)

// sourceClass groups input extensions that share converters.
type sourceClass string

const (
	classPDF    sourceClass = "pdf"
	classImage  sourceClass = "image"
	classOffice sourceClass = "office"
	classEPUB   sourceClass = "epub"
	classHTML   sourceClass = "html"
)

func classify(path string) (sourceClass, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return classPDF, true
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp":
		return classImage, true
	case ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp", ".rtf":
		return classOffice, true
	case ".epub":
		return classEPUB, true
	case ".html", ".htm", ".xhtml":
		return classHTML, true
	default:
		return "", false
	}
}

type route struct {
	from sourceClass
	to   string
}

// convertRequest is one conversion. Outputs go to OutDir and are named after
// Stem.
type convertRequest struct {
	In     string
	Target string
	OutDir string
	Stem   string
	Opts   domain.ConversionOptions
}

type converterFunc func(ctx context.Context, req convertRequest) (domain.ConversionResult, error)

// ConversionAdapter routes (source class, target format) pairs to converters
// behind one request/result contract.
type ConversionAdapter struct {
	engine        *pdfkit.Engine
	outDir        string
	officeCommand string
	routes        map[route]converterFunc
}

func NewConversionAdapter(engine *pdfkit.Engine, outDir, officeCommand string) (*ConversionAdapter, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	c := &ConversionAdapter{engine: engine, outDir: outDir, officeCommand: strings.TrimSpace(officeCommand)}
	c.routes = map[route]converterFunc{
		{classPDF, "pdf"}:   c.pdfToPDF,
		{classPDF, "png"}:   c.pdfToImages,
		{classPDF, "jpg"}:   c.pdfToImages,
		{classPDF, "txt"}:   c.pdfToText,
		{classImage, "pdf"}: c.imageToPDF,
		{classEPUB, "txt"}:  c.epubToText,
		{classHTML, "txt"}:  c.htmlToText,
	}
	for _, target := range []string{"docx", "xlsx", "pptx"} {
		c.routes[route{classPDF, target}] = c.office
	}
	for _, target := range []string{"pdf", "docx", "xlsx", "pptx", "odt"} {
		c.routes[route{classOffice, target}] = c.office
	}
	return c, nil
}

// OutputDir is where converted files are written.
func (c *ConversionAdapter) OutputDir() string { return c.outDir }

// Supports reports whether a converter exists for path -> target.
func (c *ConversionAdapter) Supports(path, target string) bool {
	class, ok := classify(path)
	if !ok {
		return false
	}
	_, ok = c.routes[route{class, normalizeFormat(target)}]
	return ok
}

// Convert runs the converter for in -> target. Failures come back both as
// an error from the taxonomy and as a result with Success=false.
func (c *ConversionAdapter) Convert(ctx context.Context, in, target string, opts domain.ConversionOptions) (domain.ConversionResult, error) {
	target = normalizeFormat(target)
	fail := func(err error) (domain.ConversionResult, error) {
		return domain.ConversionResult{OutputFormat: target, Error: err.Error()}, err
	}
	class, ok := classify(in)
	if !ok {
		return fail(fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, filepath.Ext(in)))
	}
	conv, ok := c.routes[route{class, target}]
	if !ok {
		return fail(fmt.Errorf("%w: %s to %s", domain.ErrUnsupportedFormat, class, target))
	}
	if _, err := os.Stat(in); err != nil {
		return fail(fmt.Errorf("%w: input %s", domain.ErrNotFound, filepath.Base(in)))
	}
	stem := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in)) + "-" + shortID(newJobID())
	res, err := conv(ctx, convertRequest{In: in, Target: target, OutDir: c.outDir, Stem: stem, Opts: opts})
	if err != nil {
		return fail(err)
	}
	res.Success = true
	res.OutputFormat = target
	if res.OutputPath == "" && len(res.OutputPaths) > 0 {
		res.OutputPath = res.OutputPaths[0]
	}
	return res, nil
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	if f == "jpeg" {
		return "jpg"
	}
	return f
}

func (c *ConversionAdapter) pdfToPDF(ctx context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem, opts := req.In, req.OutDir, req.Stem, req.Opts
	out := filepath.Join(outDir, stem+".pdf")
	if err := c.engine.Optimize(in, out, opts.Password); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	res := domain.ConversionResult{OutputPath: out}
	if size, ok, err := domain.LookupPageSize(opts.PageSize); err != nil {
		return domain.ConversionResult{}, err
	} else if ok {
		resized := filepath.Join(outDir, stem+"-"+strings.ToLower(size.Name)+".pdf")
		if err := c.engine.Resize(out, resized, formName(size, opts.Orientation)); err != nil {
			res.Warnings = append(res.Warnings, "resize skipped: "+err.Error())
		} else {
			_ = os.Remove(out)
			res.OutputPath = resized
		}
	}
	return res, nil
}

func (c *ConversionAdapter) pdfToImages(ctx context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem, opts := req.In, req.OutDir, req.Stem, req.Opts
	n, err := c.engine.PageCount(in)
	if err != nil {
		return domain.ConversionResult{}, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	format := req.Target
	res := domain.ConversionResult{}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return domain.ConversionResult{}, err
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s_p%03d.%s", stem, i+1, format))
		if err := renderToFile(in, i, float64(opts.DPI), format, opts.Quality, out); err != nil {
			for _, p := range res.OutputPaths {
				_ = os.Remove(p)
			}
			return domain.ConversionResult{}, err
		}
		res.OutputPaths = append(res.OutputPaths, out)
	}
	return res, nil
}

func renderToFile(in string, page int, dpi float64, format string, quality int, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := pdfkit.RenderPage(in, page, dpi, format, quality, f); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return err
	}
	return f.Close()
}

func (c *ConversionAdapter) pdfToText(ctx context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem, opts := req.In, req.OutDir, req.Stem, req.Opts
	pages, err := pdfkit.ExtractPageText(in)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	res := domain.ConversionResult{OutputPath: filepath.Join(outDir, stem+".txt")}
	if opts.OCRMode != "" && opts.OCRMode != "none" {
		res.Warnings = append(res.Warnings, "ocr is not available; text layer extracted")
	}
	var empty int
	for _, p := range pages {
		if strings.TrimSpace(p) == "" {
			empty++
		}
	}
	if empty > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d of %d pages have no text layer", empty, len(pages)))
	}
	if err := os.WriteFile(res.OutputPath, []byte(strings.Join(pages, "\n\f\n")), 0o644); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("write text: %w", err)
	}
	return res, nil
}

func (c *ConversionAdapter) imageToPDF(ctx context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem, opts := req.In, req.OutDir, req.Stem, req.Opts
	form := "A4"
	size, ok, err := domain.LookupPageSize(opts.PageSize)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	if ok {
		form = formName(size, opts.Orientation)
	} else if o, _ := domain.ParseOrientation(opts.Orientation); o == domain.OrientationLandscape {
		form = "A4L"
	}
	out := filepath.Join(outDir, stem+".pdf")
	if err := c.engine.ImagesToPDF([]string{in}, out, form); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	return domain.ConversionResult{OutputPath: out}, nil
}

func (c *ConversionAdapter) epubToText(_ context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem := req.In, req.OutDir, req.Stem
	reader, err := zip.OpenReader(in)
	if err != nil {
		return domain.ConversionResult{}, fmt.Errorf("%w: open epub: %v", domain.ErrCorruptInput, err)
	}
	defer reader.Close()
	var sections []string
	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		if !(strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return domain.ConversionResult{}, fmt.Errorf("read epub file: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return domain.ConversionResult{}, fmt.Errorf("read epub content: %w", err)
		}
		text, err := htmlText(data)
		if err != nil {
			return domain.ConversionResult{}, err
		}
		if text != "" {
			sections = append(sections, text)
		}
	}
	if len(sections) == 0 {
		return domain.ConversionResult{}, fmt.Errorf("%w: epub has no readable sections", domain.ErrCorruptInput)
	}
	out := filepath.Join(outDir, stem+".txt")
	if err := os.WriteFile(out, []byte(strings.Join(sections, "\n\n")), 0o644); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("write text: %w", err)
	}
	return domain.ConversionResult{OutputPath: out}, nil
}

func (c *ConversionAdapter) htmlToText(_ context.Context, req convertRequest) (domain.ConversionResult, error) {
	in, outDir, stem := req.In, req.OutDir, req.Stem
	data, err := os.ReadFile(in)
	if err != nil {
		return domain.ConversionResult{}, fmt.Errorf("read html: %w", err)
	}
	text, err := htmlText(data)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	out := filepath.Join(outDir, stem+".txt")
	if err := os.WriteFile(out, []byte(text), 0o644); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("write text: %w", err)
	}
	return domain.ConversionResult{OutputPath: out}, nil
}

// office shells out to a headless office suite (soffice --convert-to).
func (c *ConversionAdapter) office(ctx context.Context, req convertRequest) (domain.ConversionResult, error) {
	if c.officeCommand == "" {
		return domain.ConversionResult{}, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, errOfficeUnavailable)
	}
	bin, err := exec.LookPath(c.officeCommand)
	if err != nil {
		return domain.ConversionResult{}, fmt.Errorf("%w: %s not found", domain.ErrUnsupportedFormat, c.officeCommand)
	}
	work, cleanup, err := scratchDir(req.OutDir, "office-*")
	if err != nil {
		return domain.ConversionResult{}, err
	}
	defer cleanup()
	staged := filepath.Join(work, req.Stem+filepath.Ext(req.In))
	if err := os.Link(req.In, staged); err != nil {
		if err := copyFile(req.In, staged); err != nil {
			return domain.ConversionResult{}, err
		}
	}

	args := []string{"--headless", "--norestore"}
	if class, _ := classify(req.In); class == classPDF {
		args = append(args, "--infilter=writer_pdf_import")
	}
	args = append(args, "--convert-to", req.Target, "--outdir", work, staged)
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return domain.ConversionResult{}, fmt.Errorf("office conversion: %s", msg)
	}
	produced := filepath.Join(work, req.Stem+"."+req.Target)
	if _, err := os.Stat(produced); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("office conversion produced no %s output", req.Target)
	}
	out := filepath.Join(req.OutDir, req.Stem+"."+req.Target)
	if err := os.Rename(produced, out); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("move office output: %w", err)
	}
	res := domain.ConversionResult{OutputPath: out}
	if req.Opts.PreserveFormatting {
		res.Warnings = append(res.Warnings, "layout fidelity depends on the office suite")
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: parse html: %v", domain.ErrCorruptInput, err)
	}
	var (
		buf  strings.Builder
		walk func(*html.Node)
	)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" || node.Data == "head" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "p", "br", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				buf.WriteString("\n")
			}
		}
	}
	walk(doc)
	return normalizeLines(buf.String()), nil
}

// normalizeLines collapses runs of spaces inside lines and drops blank lines.
func normalizeLines(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// formName maps a page size and orientation to a pdfcpu paper name.
func formName(size domain.PageSize, orientation string) string {
	if o, _ := domain.ParseOrientation(orientation); o == domain.OrientationLandscape {
		return size.Name + "L"
	}
	return size.Name
}

var errOfficeUnavailable = errors.New("office converter not configured")
