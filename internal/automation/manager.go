//go:build !no_automation

package automation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrScriptNotFound is returned for IDs with no file behind them.
var ErrScriptNotFound = errors.New("script not found")

const (
	headerOpen  = "--[["
	headerClose = "]]"
)

// Manager keeps automation scripts as .lua files in one directory. A script
// may start with a YAML header inside a Lua block comment:
//
//	--[[
//	name: Night setback
//	enabled: true
//	]]
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates the directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the scripts directory.
func (m *Manager) Dir() string { return m.dir }

// List returns every parsable script sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var scripts []*Script
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".lua" {
			continue
		}
		s, err := LoadScript(filepath.Join(m.dir, ent.Name()))
		if err != nil {
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get loads a script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if err := checkScriptID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := LoadScript(m.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

// Save writes s, deriving a unique ID from its name when it has none.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	} else if err := checkScriptID(s.ID); err != nil {
		return nil, err
	}
	s.FilePath = m.path(s.ID)

	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.FilePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script by ID.
func (m *Manager) Delete(id string) error {
	if err := checkScriptID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 2; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// LoadScript reads a script file from any path. Files without a header load
// with the file stem as both ID and name.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s := &Script{ID: id, FilePath: path, Meta: ScriptMeta{Name: id}}

	code := string(data)
	// A leading block comment that is not YAML is left as part of the code.
	if header, rest, ok := splitHeader(code); ok {
		var meta ScriptMeta
		if err := yaml.Unmarshal([]byte(header), &meta); err == nil {
			if meta.Name == "" {
				meta.Name = id
			}
			s.Meta = meta
			code = rest
		}
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	return s, nil
}

// splitHeader separates a leading --[[ ... ]] block from the code.
func splitHeader(code string) (header, rest string, ok bool) {
	if !strings.HasPrefix(code, headerOpen+"\n") {
		return "", code, false
	}
	body := code[len(headerOpen)+1:]
	end := strings.Index(body, "\n"+headerClose)
	if end < 0 {
		return "", code, false
	}
	rest = body[end+1+len(headerClose):]
	return body[:end], rest, true
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := yaml.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script header: %w", err)
	}
	var b strings.Builder
	b.WriteString(headerOpen + "\n")
	b.Write(meta)
	b.WriteString(headerClose + "\n")
	if s.LuaCode != "" {
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}

func checkScriptID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid script id %q", id)
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
