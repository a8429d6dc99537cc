// Package seed loads the startup fixture: seed conversion jobs and the
// catalog of supported formats.
package seed

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"

	"file-converter/internal/models"
)

const (
	jobsFile    = "conversion_jobs.json"
	formatsFile = "supported_formats.json"
)

//go:embed fixtures/*.json
var fixtureFiles embed.FS

// Fixture is the read-only data loaded once at startup.
type Fixture struct {
	Jobs    []models.ConversionJob
	Formats []models.Format
}

// Load reads the fixture from dir, or from the embedded copy when dir is empty.
func Load(dir string) (Fixture, error) {
	var fsys fs.FS
	if dir == "" {
		sub, err := fs.Sub(fixtureFiles, "fixtures")
		if err != nil {
			return Fixture{}, fmt.Errorf("open embedded fixtures: %w", err)
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}
	return LoadFS(fsys)
}

// LoadFS reads both fixture files from fsys.
func LoadFS(fsys fs.FS) (Fixture, error) {
	var fx Fixture
	if err := readJSON(fsys, jobsFile, &fx.Jobs); err != nil {
		return Fixture{}, err
	}
	if err := readJSON(fsys, formatsFile, &fx.Formats); err != nil {
		return Fixture{}, err
	}
	for i := range fx.Jobs {
		fx.Jobs[i].SourceFormat = models.NormalizeFormat(fx.Jobs[i].SourceFormat)
		fx.Jobs[i].TargetFormat = models.NormalizeFormat(fx.Jobs[i].TargetFormat)
	}
	for i := range fx.Formats {
		fx.Formats[i].SourceFormat = models.NormalizeFormat(fx.Formats[i].SourceFormat)
		fx.Formats[i].TargetFormat = models.NormalizeFormat(fx.Formats[i].TargetFormat)
	}
	return fx, nil
}

func readJSON(fsys fs.FS, name string, dst any) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("read fixture %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode fixture %s: %w", name, err)
	}
	return nil
}

// Catalog answers which conversions are supported.
type Catalog struct {
	formats []models.Format
	pairs   map[[2]string]struct{}
}

// NewCatalog indexes formats by source and target token.
func NewCatalog(formats []models.Format) *Catalog {
	c := &Catalog{
		formats: append([]models.Format(nil), formats...),
		pairs:   make(map[[2]string]struct{}, len(formats)),
	}
	for _, f := range formats {
		c.pairs[[2]string{f.SourceFormat, f.TargetFormat}] = struct{}{}
	}
	return c
}

// Empty reports whether the catalog lists no formats, in which case every pair is accepted.
func (c *Catalog) Empty() bool {
	return c == nil || len(c.formats) == 0
}

// Supports reports whether source can be converted to target.
func (c *Catalog) Supports(source, target string) bool {
	if c.Empty() {
		return true
	}
	_, ok := c.pairs[[2]string{models.NormalizeFormat(source), models.NormalizeFormat(target)}]
	return ok
}

// ForSource lists formats whose source token matches. An empty source lists everything.
func (c *Catalog) ForSource(source string) []models.Format {
	if c == nil {
		return []models.Format{}
	}
	source = models.NormalizeFormat(source)
	out := make([]models.Format, 0, len(c.formats))
	for _, f := range c.formats {
		if source == "" || f.SourceFormat == source {
			out = append(out, f)
		}
	}
	return out
}
