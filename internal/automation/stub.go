//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"bacnet-override/internal/commander"
)

const DefaultRunTimeout = 30 * time.Second

var (
	ErrScriptNotFound = errors.New("script not found")
	errDisabled       = errors.New("automation disabled")
)

// ScriptMeta is the YAML header of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig holds system exec settings (stub).
type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// TelegramConfig holds Telegram bot settings (stub).
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string) (*Manager, error) { return nil, nil }

// LoadScript always fails when automation is disabled.
func LoadScript(_ string) (*Script, error) { return nil, errDisabled }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return errDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ *commander.Commander, _ *Manager, _ *slog.Logger, _ SystemConfig, _ TelegramConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                       {}
func (e *Engine) Stop()                        {}
func (e *Engine) SetRunTimeout(time.Duration)  {}
func (e *Engine) ReloadScript(_ string) error  { return nil }
func (e *Engine) StopScript(_ string)          {}
func (e *Engine) Running(_ string) bool        { return false }
func (e *Engine) RunScript(_ string) *RunResult { return &RunResult{Error: errDisabled.Error()} }
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
