package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/output"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// roots confines job paths to the configured input and output trees.
type roots struct {
	input  string
	output string
}

func newRoots(input, output string) (roots, error) {
	var r roots
	var err error
	if input != "" {
		if r.input, err = filepath.Abs(input); err != nil {
			return roots{}, fmt.Errorf("resolve jobs.input_root: %w", err)
		}
	}
	if output != "" {
		if r.output, err = filepath.Abs(output); err != nil {
			return roots{}, fmt.Errorf("resolve jobs.output_root: %w", err)
		}
	}
	return r, nil
}

// resolve maps the relative paths of req onto the roots. The returned
// request carries absolute paths for the pipeline.
func (r roots) resolve(req protocol.JobRequest) (protocol.JobRequest, error) {
	if r.input == "" || r.output == "" {
		return req, fmt.Errorf("%w: job roots are not configured", ErrInvalidRequest)
	}
	format, err := output.ResolveFormat(req.Output, req.Format)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Output == "" {
		req.Output = req.JobID + "." + format
	}

	in, err := within(r.input, req.Input)
	if err != nil {
		return req, fmt.Errorf("%w: input %v", ErrInvalidRequest, err)
	}
	out, err := within(r.output, req.Output)
	if err != nil {
		return req, fmt.Errorf("%w: output %v", ErrInvalidRequest, err)
	}
	req.Input, req.Output, req.Format = in, out, format
	return req, nil
}

// within joins name onto root and fails when the result, after following
// any symlinks that already exist, lands outside root.
func within(root, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%q must be a relative path inside its root", name)
	}
	joined := filepath.Join(root, name)
	realRoot := resolveExisting(root)
	if !contains(realRoot, resolveExisting(joined)) {
		return "", fmt.Errorf("%q escapes its root", name)
	}
	return joined, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of p.
func resolveExisting(p string) string {
	rest := ""
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		} else if !os.IsNotExist(err) {
			return p
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func contains(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
