package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser reads manifests written in CUE or JSON. Files are unified, so a
// manifest may be split across several files that refine each other.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser creates a parser with the manifest schema compiled.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &CUEParser{ctx: ctx, schema: schema}, nil
}

// Parse reads the given files and directories. Directories contribute every
// .cue file below them.
func (cp *CUEParser) Parse(sources []string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no manifest sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		found, err := cueFiles(source)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, Errors{{File: source, Message: "no CUE files found"}}
		}
		files = append(files, found...)
	}

	var (
		unified cue.Value
		errs    Errors
	)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		val := cp.ctx.CompileBytes(content, cue.Filename(file))
		if err := val.Err(); err != nil {
			errs = append(errs, convertCUEErrors(err)...)
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return cp.validate(unified, files)
}

// ParseBytes reads a single in-memory manifest. name is used in error
// positions.
func (cp *CUEParser) ParseBytes(name string, content []byte) (*Manifest, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, Errors(convertCUEErrors(err))
	}
	return cp.validate(val, []string{name})
}

// validateData checks a manifest produced by other means, such as a Starlark
// program, against the schema.
func (cp *CUEParser) validateData(data map[string]interface{}, sources []string) (*Manifest, error) {
	val := cp.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return nil, Errors(convertCUEErrors(err))
	}
	return cp.validate(val, sources)
}

func (cp *CUEParser) validate(val cue.Value, sources []string) (*Manifest, error) {
	checked := cp.schema.Unify(val)
	if err := checked.Validate(cue.Concrete(true)); err != nil {
		return nil, Errors(convertCUEErrors(err))
	}
	data, err := checked.MarshalJSON()
	if err != nil {
		return nil, Errors(convertCUEErrors(err))
	}
	return decode(data, sources)
}

func cueFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// convertCUEErrors flattens a CUE error list into located validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{Message: fmt.Sprintf(format, args...)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
