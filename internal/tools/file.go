package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

const maxListEntries = 500

// ReadFileResult is the payload of read_file.
type ReadFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

// WriteFileResult is the payload of write_file.
type WriteFileResult struct {
	Path    string `json:"path"`
	Size    int    `json:"size"`
	Created bool   `json:"created"`
}

// DirEntry is one list_directory entry.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// ListDirectoryResult is the payload of list_directory.
type ListDirectoryResult struct {
	Path      string     `json:"path"`
	Entries   []DirEntry `json:"entries"`
	Truncated bool       `json:"truncated,omitempty"`
}

// DeletePathResult is the payload of delete_path.
type DeletePathResult struct {
	Path      string `json:"path"`
	Directory bool   `json:"directory"`
}

func fileTools(e *Env) []Tool {
	pathProp := nonEmptyStringProp("Path relative to the project (or absolute inside it).")
	return []Tool{
		{
			Spec: Spec{
				Name:        policy.ToolReadFile,
				Description: "Read a text file inside the project and return its content.",
				Parameters:  objectSchema([]string{"path"}, map[string]any{"path": pathProp}),
			},
			Handler:  e.readFile,
			Describe: func(call session.ToolCall) string { return "Read file " + call.String("path") },
		},
		{
			Spec: Spec{
				Name:        policy.ToolWriteFile,
				Description: "Create or overwrite a file inside the project. Parent directories are created as needed.",
				Parameters: objectSchema([]string{"path", "content"}, map[string]any{
					"path":    pathProp,
					"content": stringProp("Full new content of the file."),
				}),
			},
			Handler: e.writeFile,
			Describe: func(call session.ToolCall) string {
				return fmt.Sprintf("Write file %s (%d bytes)", call.String("path"), len(call.String("content")))
			},
		},
		{
			Spec: Spec{
				Name:        policy.ToolListDirectory,
				Description: "List a directory inside the project. Entries report name, type (file or directory) and size.",
				Parameters: objectSchema(nil, map[string]any{
					"path": stringProp("Directory to list. Defaults to the project root."),
				}),
			},
			Handler: e.listDirectory,
			Describe: func(call session.ToolCall) string {
				p := call.String("path")
				if p == "" {
					p = "."
				}
				return "List directory " + p
			},
		},
		{
			Spec: Spec{
				Name:        policy.ToolDeletePath,
				Description: "Delete a file, or a directory and everything under it, inside the project.",
				Parameters:  objectSchema([]string{"path"}, map[string]any{"path": pathProp}),
			},
			Handler:  e.deletePath,
			Describe: e.describeDelete,
		},
	}
}

// resolvePath maps a tool path onto the project root and enforces the path
// policy.
func (e *Env) resolvePath(raw string) (string, *session.Failure) {
	root := e.State.ProjectPath
	if root == "" {
		return "", &session.Failure{Kind: session.InvalidArguments, Message: "project path is not set; create or open a project first"}
	}
	p := raw
	if p == "" {
		p = root
	} else if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if !e.Policy.AllowPath(p, root) {
		return "", &session.Failure{Kind: session.InvalidArguments, Message: fmt.Sprintf("path %q is outside the project", raw)}
	}
	return p, nil
}

func (e *Env) readFile(_ context.Context, call session.ToolCall) session.Outcome {
	p, fail := e.resolvePath(call.String("path"))
	if fail != nil {
		return session.FromFailure(fail)
	}
	info, err := os.Stat(p)
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	if info.IsDir() {
		return session.Fail(session.InvalidArguments, fmt.Sprintf("%s is a directory; use list_directory", call.String("path")), "")
	}

	f, err := os.Open(p)
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	defer f.Close()

	limit := int64(e.maxReadBytes())
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	return session.Success(ReadFileResult{
		Path:      p,
		Content:   string(data),
		Size:      info.Size(),
		Truncated: info.Size() > limit,
	})
}

func (e *Env) writeFile(_ context.Context, call session.ToolCall) session.Outcome {
	p, fail := e.resolvePath(call.String("path"))
	if fail != nil {
		return session.FromFailure(fail)
	}
	created := false
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return session.FailIO(session.IOAlreadyExists, fmt.Sprintf("%s exists and is a directory", call.String("path")))
	} else if errors.Is(err, fs.ErrNotExist) {
		created = true
	}

	content := call.String("content")
	if err := atomicWrite(p, []byte(content)); err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	return session.Success(WriteFileResult{Path: p, Size: len(content), Created: created})
}

// atomicWrite writes to a temp file in the target directory, then renames
// it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (e *Env) listDirectory(_ context.Context, call session.ToolCall) session.Outcome {
	p, fail := e.resolvePath(call.String("path"))
	if fail != nil {
		return session.FromFailure(fail)
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}

	res := ListDirectoryResult{Path: p, Entries: make([]DirEntry, 0, min(len(entries), maxListEntries))}
	for i, entry := range entries {
		if i >= maxListEntries {
			res.Truncated = true
			break
		}
		de := DirEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			de.Type = "directory"
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		res.Entries = append(res.Entries, de)
	}
	sort.SliceStable(res.Entries, func(i, j int) bool { return res.Entries[i].Name < res.Entries[j].Name })
	return session.Success(res)
}

func (e *Env) deletePath(_ context.Context, call session.ToolCall) session.Outcome {
	p, fail := e.resolvePath(call.String("path"))
	if fail != nil {
		return session.FromFailure(fail)
	}
	if p == e.State.ProjectPath {
		return session.Fail(session.InvalidArguments, "refusing to delete the project root", "")
	}
	info, err := os.Lstat(p)
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil {
		return session.FromFailure(ioFailure(err, call.String("path")))
	}
	return session.Success(DeletePathResult{Path: p, Directory: info.IsDir()})
}

// describeDelete inspects the target so the confirmation prompt says what
// will actually be removed.
func (e *Env) describeDelete(call session.ToolCall) string {
	raw := call.String("path")
	p, fail := e.resolvePath(raw)
	if fail != nil {
		return "Delete " + raw
	}
	info, err := os.Lstat(p)
	switch {
	case err != nil:
		return "Delete " + raw + " (does not exist)"
	case info.IsDir():
		return "Delete directory " + raw + " (recursive)"
	default:
		return "Delete file " + raw
	}
}

func (e *Env) maxReadBytes() int {
	if e.MaxReadBytes <= 0 {
		return 256 * 1024
	}
	return e.MaxReadBytes
}

// ioFailure maps an OS error onto an IOFailure with its sub-kind.
func ioFailure(err error, subject string) *session.Failure {
	f := &session.Failure{Kind: session.IOFailure, IO: session.IOOther, Message: fmt.Sprintf("%s: %v", subject, err)}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f.IO = session.IONotFound
		f.Message = subject + " does not exist"
	case errors.Is(err, fs.ErrPermission):
		f.IO = session.IOPermissionDenied
		f.Message = "permission denied: " + subject
	case errors.Is(err, fs.ErrExist):
		f.IO = session.IOAlreadyExists
		f.Message = subject + " already exists"
	}
	return f
}
