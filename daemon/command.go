package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/store"
)

// Invocation is a fully-built subprocess command: argv, extra environment
// and the effective timeout for the run.
type Invocation struct {
	Argv    []string
	Env     []string // KEY=VALUE pairs appended to the daemon environment
	Timeout time.Duration
}

// CommandBuilder turns an opaque job payload into a subprocess invocation.
// One builder per job type; the scheduler never looks inside payloads.
type CommandBuilder interface {
	// Validate checks payload shape without requiring referenced files to
	// exist yet. Used by add_job/update_job before anything is persisted.
	Validate(payload json.RawMessage) error
	// Build produces the invocation for one run
	Build(payload json.RawMessage) (*Invocation, error)
}

// builderFor returns the builder for a job type. The set is closed: adding
// a job type means adding a builder, not branching on strings elsewhere.
func builderFor(typ store.JobType, cfg *config.Config) (CommandBuilder, error) {
	switch typ {
	case store.JobTypeStrategy:
		return &strategyBuilder{cfg: cfg}, nil
	case store.JobTypeScript:
		return &scriptBuilder{cfg: cfg}, nil
	default:
		return nil, errors.NewInvalidRequest("unknown job type %q", typ)
	}
}

// payloadCommon carries the fields shared by every job type
type payloadCommon struct {
	WalletLabel    string            `json:"wallet_label,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Debug          bool              `json:"debug,omitempty"`
}

func (p *payloadCommon) timeout(cfg *config.Config) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return cfg.DefaultTimeout()
}

func (p *payloadCommon) extraEnv() []string {
	var env []string
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	if p.WalletLabel != "" {
		env = append(env, "RUNNERD_WALLET_LABEL="+p.WalletLabel)
	}
	return env
}

// strategyPayload is the payload shape for type=strategy jobs
type strategyPayload struct {
	payloadCommon
	Strategy string `json:"strategy"`
	Action   string `json:"action"`
	Config   string `json:"config,omitempty"`
}

type strategyBuilder struct {
	cfg *config.Config
}

func (b *strategyBuilder) decode(payload json.RawMessage) (*strategyPayload, error) {
	var p strategyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	if p.Strategy == "" {
		return nil, errors.NewInvalidRequest("strategy payload missing strategy")
	}
	if p.Action == "" {
		return nil, errors.NewInvalidRequest("strategy payload missing action")
	}
	return &p, nil
}

func (b *strategyBuilder) Validate(payload json.RawMessage) error {
	_, err := b.decode(payload)
	return err
}

func (b *strategyBuilder) Build(payload json.RawMessage) (*Invocation, error) {
	p, err := b.decode(payload)
	if err != nil {
		return nil, err
	}

	argv := []string{b.cfg.Runner.StrategyRunner, "--strategy", p.Strategy, "--action", p.Action}
	if p.Config != "" {
		argv = append(argv, "--config", p.Config)
	}
	if p.Debug {
		argv = append(argv, "--debug")
	}

	return &Invocation{
		Argv:    argv,
		Env:     p.extraEnv(),
		Timeout: p.timeout(b.cfg),
	}, nil
}

// scriptPayload is the payload shape for type=script jobs
type scriptPayload struct {
	payloadCommon
	ScriptPath string   `json:"script_path"`
	Args       []string `json:"args,omitempty"`
}

type scriptBuilder struct {
	cfg *config.Config
}

func (b *scriptBuilder) decode(payload json.RawMessage) (*scriptPayload, error) {
	var p scriptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	if p.ScriptPath == "" {
		return nil, errors.NewInvalidRequest("script payload missing script_path")
	}
	return &p, nil
}

func (b *scriptBuilder) Validate(payload json.RawMessage) error {
	p, err := b.decode(payload)
	if err != nil {
		return err
	}
	_, err = ResolveScriptPath(b.cfg.RunsDir(), p.ScriptPath)
	return err
}

func (b *scriptBuilder) Build(payload json.RawMessage) (*Invocation, error) {
	p, err := b.decode(payload)
	if err != nil {
		return nil, err
	}

	resolved, err := ResolveScriptPath(b.cfg.RunsDir(), p.ScriptPath)
	if err != nil {
		return nil, err
	}

	var interpreter string
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".py":
		interpreter = b.cfg.Runner.PythonBin
	case ".sh":
		interpreter = b.cfg.Runner.ShellBin
	default:
		return nil, errors.NewInvalidRequest("script %s: only .py and .sh scripts are allowed", p.ScriptPath)
	}

	argv := append([]string{interpreter, resolved}, p.Args...)

	env := p.extraEnv()
	if p.Debug {
		env = append(env, "RUNNERD_DEBUG=1")
	}

	return &Invocation{
		Argv:    argv,
		Env:     env,
		Timeout: p.timeout(b.cfg),
	}, nil
}

// ResolveScriptPath resolves a script path against the sandboxed runs
// directory and rejects anything that escapes it: relative traversal,
// absolute paths outside, and symlinks whose target leaves the sandbox.
// Returns the absolute path inside the sandbox.
func ResolveScriptPath(runsDir, scriptPath string) (string, error) {
	if scriptPath == "" {
		return "", errors.NewInvalidRequest("script_path is empty")
	}

	base, err := filepath.Abs(runsDir)
	if err != nil {
		return "", errors.Wrap(err, "resolve runs dir")
	}
	baseReal, err := resolveExisting(base)
	if err != nil {
		return "", errors.Wrap(err, "resolve runs dir")
	}

	candidate := scriptPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Containment is checked against the symlink-resolved path, so a link
	// inside the runs directory cannot point the interpreter outside it
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", errors.Wrap(err, "resolve script path")
	}
	if resolved == baseReal {
		return "", errors.NewInvalidRequest("script_path must name a file inside the runs directory")
	}
	if !strings.HasPrefix(resolved, baseReal+string(filepath.Separator)) {
		return "", errors.NewInvalidRequest("script %s escapes runs directory", scriptPath)
	}
	return candidate, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of
// path, then re-appends the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	remainder := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

// describeInvocation renders argv for logs without leaking env values
func describeInvocation(inv *Invocation) string {
	return fmt.Sprintf("%s (timeout %s)", strings.Join(inv.Argv, " "), inv.Timeout)
}
