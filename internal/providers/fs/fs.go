// Package fs provides read-only filesystem tools confined to configured roots.
package fs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	iofs "io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"toolbridge/internal/mcp"
	"toolbridge/internal/providers"
)

const (
	defaultMaxBytes   = 1_048_576
	defaultMaxMatches = 200
	binaryPlaceholder = "<binary omitted>"
)

var errAccessDenied = mcp.Errorf(mcp.CodeToolError, "access denied")

// Entry describes one file or directory.
type Entry struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Dir     bool   `json:"dir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode,omitempty"`
	ModTime string `json:"mod,omitempty"`
}

// Chunk is a slice of file content returned by fs.read.
type Chunk struct {
	Path      string `json:"path"`
	Offset    int64  `json:"offset"`
	Contents  string `json:"contents"`
	MimeType  string `json:"mimeType,omitempty"`
	Truncated bool   `json:"truncated"`
}

// Match is a file containing the search query.
type Match struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Preview  string `json:"preview"`
	MimeType string `json:"mimeType,omitempty"`
}

type provider struct {
	roots         []string
	maxBytes      int
	maxMatches    int
	includeHidden bool
	allowBinary   bool
}

func init() {
	providers.Register("fs", New)
}

// New builds an fs provider. Options: roots, max_bytes, max_matches,
// include_hidden, allow_binary. Without roots the working directory is used.
func New(opts map[string]any) (providers.Provider, error) {
	p := &provider{
		roots:         providers.Slice[string](opts, "roots", nil),
		maxBytes:      providers.Int(opts, "max_bytes", defaultMaxBytes),
		maxMatches:    providers.Int(opts, "max_matches", defaultMaxMatches),
		includeHidden: providers.Get[bool](opts, "include_hidden", false),
		allowBinary:   providers.Get[bool](opts, "allow_binary", false),
	}
	if len(p.roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		p.roots = []string{wd}
	}
	if p.maxBytes <= 0 {
		p.maxBytes = defaultMaxBytes
	}
	if p.maxMatches <= 0 {
		p.maxMatches = defaultMaxMatches
	}
	return p, nil
}

func (p *provider) Name() string { return "fs" }

func (p *provider) Tools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "fs.list",
			Description: "List entries below a directory, down to depth levels",
			InputSchema: mcp.Schema(map[string]string{"path?": "string", "depth?": "integer"}),
			Handler:     withArgs(p.list),
		},
		{
			Name:        "fs.stat",
			Description: "Describe a single file or directory",
			InputSchema: mcp.Schema(map[string]string{"path": "string"}),
			Handler:     withArgs(p.stat),
		},
		{
			Name:        "fs.read",
			Description: "Read a text file, optionally a chunk of it",
			InputSchema: mcp.Schema(map[string]string{"path": "string", "offset?": "integer", "limit?": "integer"}),
			Handler:     withArgs(p.read),
		},
		{
			Name:        "fs.search",
			Description: "Find files whose text contains a query (case-insensitive)",
			InputSchema: mcp.Schema(map[string]string{"root?": "string", "query": "string", "globs?": "array:string"}),
			Handler:     withArgs(p.search),
		},
	}
}

func withArgs(fn func(ctx context.Context, args mcp.Args) (any, *mcp.Error)) mcp.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, *mcp.Error) {
		args, perr := mcp.DecodeArgs(raw)
		if perr != nil {
			return nil, perr
		}
		return fn(ctx, args)
	}
}

func toolError(err error) *mcp.Error {
	return mcp.Errorf(mcp.CodeToolError, "%s", err.Error())
}

// resolve returns the cleaned path when it lies inside a root.
func (p *provider) resolve(path string) (string, *mcp.Error) {
	if path == "" || !p.allowed(path) {
		return "", errAccessDenied
	}
	return filepath.Clean(path), nil
}

func (p *provider) list(ctx context.Context, args mcp.Args) (any, *mcp.Error) {
	raw, ok := args.String("path")
	if !ok || raw == "" {
		raw = p.roots[0]
	}
	base, perr := p.resolve(raw)
	if perr != nil {
		return nil, perr
	}
	depth := args.Int("depth", 1)

	entries := []Entry{}
	err := filepath.WalkDir(base, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == base {
			return nil
		}
		if p.skip(path) || levels(base, path) > depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, _ := d.Info()
		entries = append(entries, describe(path, info))
		return nil
	})
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"entries": entries}, nil
}

func (p *provider) stat(_ context.Context, args mcp.Args) (any, *mcp.Error) {
	raw, _ := args.String("path")
	path, perr := p.resolve(raw)
	if perr != nil {
		return nil, perr
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, toolError(err)
	}
	return describe(path, info), nil
}

func (p *provider) read(_ context.Context, args mcp.Args) (any, *mcp.Error) {
	raw, _ := args.String("path")
	path, perr := p.resolve(raw)
	if perr != nil {
		return nil, perr
	}
	limit := args.Int("limit", p.maxBytes)
	if limit <= 0 || limit > p.maxBytes {
		limit = p.maxBytes
	}
	chunk, err := p.readChunk(path, int64(args.Int("offset", 0)), limit)
	if err != nil {
		return nil, toolError(err)
	}
	return chunk, nil
}

func (p *provider) search(ctx context.Context, args mcp.Args) (any, *mcp.Error) {
	raw, ok := args.String("root")
	if !ok || raw == "" {
		raw = p.roots[0]
	}
	root, perr := p.resolve(raw)
	if perr != nil {
		return nil, perr
	}
	query, _ := args.String("query")
	matches := []Match{}
	if query == "" {
		return map[string]any{"matches": matches}, nil
	}
	needle := []byte(strings.ToLower(query))
	globs := args.Strings("globs")

	truncated := false
	_ = filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && p.skip(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || (len(globs) > 0 && !matchAny(globs, path)) {
			return nil
		}
		chunk, err := p.readChunk(path, 0, p.maxBytes)
		if err != nil || chunk.Contents == binaryPlaceholder {
			return nil
		}
		if m, ok := findLine(chunk.Contents, needle); ok {
			m.Path, m.MimeType = path, chunk.MimeType
			matches = append(matches, m)
			if len(matches) >= p.maxMatches {
				truncated = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return map[string]any{"matches": matches, "truncated": truncated}, nil
}

// readChunk reads up to limit bytes from offset.
func (p *provider) readChunk(path string, offset int64, limit int) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil {
		return nil, err
	} else if info.IsDir() {
		return nil, errors.New("is a directory")
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:n]
	chunk := &Chunk{
		Path:      path,
		Offset:    offset,
		Contents:  string(buf),
		MimeType:  http.DetectContentType(buf),
		Truncated: n == limit,
	}
	if !p.allowBinary && !utf8.Valid(buf) {
		chunk.Contents = binaryPlaceholder
	}
	return chunk, nil
}

// allowed reports whether path resolves inside one of the roots.
func (p *provider) allowed(path string) bool {
	abs := canonical(path)
	if abs == "" {
		return false
	}
	for _, r := range p.roots {
		root := canonical(r)
		if root == "" {
			continue
		}
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (p *provider) skip(path string) bool {
	return !p.includeHidden && strings.HasPrefix(filepath.Base(path), ".")
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func levels(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(os.PathSeparator)) + 1
}

func describe(path string, info os.FileInfo) Entry {
	e := Entry{Path: path, Name: filepath.Base(path)}
	if info == nil {
		return e
	}
	e.Dir = info.IsDir()
	e.Size = info.Size()
	e.Mode = info.Mode().String()
	e.ModTime = info.ModTime().UTC().Format("2006-01-02T15:04:05Z")
	return e
}

func matchAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// findLine returns the first line containing needle, 1-based.
func findLine(text string, needle []byte) (Match, bool) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if bytes.Contains(bytes.ToLower(line), needle) {
			preview := strings.TrimSpace(string(line))
			if len(preview) > 160 {
				preview = preview[:160]
			}
			return Match{Line: n, Preview: preview}, true
		}
	}
	return Match{}, false
}
