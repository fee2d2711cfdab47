package engineadapter

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// CLIAdapter is the one built-in Adapter: a generic bridge to any
// subprocess that speaks the normalized JSON-lines wire format below on
// stdout. Per-instance behavior (command, argv, install instructions)
// comes entirely from workspace config, rather than one Go type per
// engine product — the adapter contract is the product-independent
// boundary (spec §4.5); a specific engine's own CLI/JSON dialect is
// someone else's concern to translate into this shape before it ever
// reaches ozzie-gateway.
//
// Expected stdout line shape, one JSON object per line:
//
//	{"type":"started","resume":"<opaque>","title":"...","meta":{...}}
//	{"type":"action","id":"...","kind":"tool","phase":"started","ok":true,"title":"...","message":"...","level":"warning"}
//	{"type":"completed","ok":true,"answer":"...","resume":"<opaque>","error":"...","usage":{"input_tokens":1,"output_tokens":2}}
type CLIAdapter struct {
	id         ids.EngineId
	cliCmd     string
	installCmd string
	secrets    SecretLookup
}

// SecretLookup resolves a secret value by scope and key. internal/
// secretsvault.Vault satisfies this; it's expressed as an interface here so
// engineadapter doesn't need to import the vault's encryption machinery.
type SecretLookup interface {
	Get(scope, key string) (value string, ok bool, err error)
}

// NewCLIAdapter creates the built-in adapter for id. installCmd is display
// metadata only (spec §4.5's optional cli_cmd/install_cmd); cliCmd is also
// displayed, and BuildRunner uses it as the command when the engine config
// carries no "command". secrets may be nil;
// when set, BuildRunner consults it for an engine API key to export into
// the subprocess environment.
func NewCLIAdapter(id ids.EngineId, cliCmd, installCmd string, secrets SecretLookup) *CLIAdapter {
	return &CLIAdapter{id: id, cliCmd: cliCmd, installCmd: installCmd, secrets: secrets}
}

func (a *CLIAdapter) ID() ids.EngineId   { return a.id }
func (a *CLIAdapter) CLICmd() string     { return a.cliCmd }
func (a *CLIAdapter) InstallCmd() string { return a.installCmd }

// cliEngineConfig is the shape BuildRunner expects inside the workspace's
// plugin_configs[id] bag.
type cliEngineConfig struct {
	Command  string
	ArgsTmpl string
	Env      map[string]string
}

func decodeCLIEngineConfig(raw map[string]any) (cliEngineConfig, error) {
	var cfg cliEngineConfig
	if v, ok := raw["command"].(string); ok {
		cfg.Command = v
	}
	if v, ok := raw["args"].(string); ok {
		cfg.ArgsTmpl = v
	}
	if v, ok := raw["env"].(map[string]any); ok {
		cfg.Env = make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				cfg.Env[k] = s
			}
		}
	}
	return cfg, nil
}

// BuildRunner constructs a Runner for one configured instance of this
// engine. engineConfig's "command" falls back to the adapter's cliCmd, and
// one of the two must be set; "args" is a
// shell-quoted template (mvdan.cc/sh) with `{{prompt}}` and `{{resume}}`
// placeholders substituted before splitting, letting config authors quote
// arguments containing spaces without inventing their own escaping rules.
func (a *CLIAdapter) BuildRunner(engineConfig map[string]any, configPath string) (Runner, error) {
	cfg, err := decodeCLIEngineConfig(engineConfig)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", a.id, err)
	}
	if cfg.Command == "" {
		cfg.Command = a.cliCmd
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("engine %s: missing \"command\" in plugin_configs", a.id)
	}

	if a.secrets != nil {
		if apiKey, ok, err := a.secrets.Get("engine:"+string(a.id), "api_key"); err == nil && ok {
			if cfg.Env == nil {
				cfg.Env = make(map[string]string, 1)
			}
			if _, exists := cfg.Env["OZZIE_API_KEY"]; !exists {
				cfg.Env["OZZIE_API_KEY"] = apiKey
			}
		}
	}

	return &cliRunner{id: a.id, cfg: cfg}, nil
}

// cliRunner is the Runner BuildRunner produces.
type cliRunner struct {
	id  ids.EngineId
	cfg cliEngineConfig
}

func (r *cliRunner) Engine() ids.EngineId { return r.id }

func (r *cliRunner) FormatResume(token runnerevents.ResumeToken) string {
	return runnerevents.FormatResume(token)
}

func (r *cliRunner) ExtractResume(text string) (runnerevents.ResumeToken, bool) {
	return runnerevents.ScanText(text)
}

func (r *cliRunner) IsResumeLine(line string) bool {
	return runnerevents.IsResumeLine(line)
}

func (r *cliRunner) Command() string { return r.cfg.Command }

// BuildArgs substitutes the prompt/resume placeholders into the
// configured template and splits it with shell-style quoting rules, so a
// single string in config can carry both plain and quoted arguments.
func (r *cliRunner) BuildArgs(prompt string, resume *runnerevents.ResumeToken, state State) []string {
	tmpl := r.cfg.ArgsTmpl
	if tmpl == "" {
		return nil
	}
	resumeValue := ""
	if resume != nil {
		resumeValue = resume.Value
	}
	tmpl = strings.ReplaceAll(tmpl, "{{prompt}}", prompt)
	tmpl = strings.ReplaceAll(tmpl, "{{resume}}", resumeValue)

	fields, err := shell.Fields(tmpl, nil)
	if err != nil {
		// Malformed quoting in config; fall back to a single opaque field
		// rather than failing the whole run over a template bug.
		return []string{tmpl}
	}
	return fields
}

// StdinPayload is empty: this adapter passes the prompt via argv
// (BuildArgs), not stdin, since config-driven engines rarely expect a
// stdin-piped prompt and a convention has to be picked somewhere.
func (r *cliRunner) StdinPayload(prompt string, resume *runnerevents.ResumeToken, state State) []byte {
	return nil
}

func (r *cliRunner) Env(state State) map[string]string {
	return r.cfg.Env
}

func (r *cliRunner) Translate(decoded map[string]any, state State, expectedResume, foundSession *runnerevents.ResumeToken) ([]runnerevents.Event, error) {
	kind, _ := decoded["type"].(string)
	switch kind {
	case "started":
		return []runnerevents.Event{runnerevents.NewStarted(runnerevents.StartedEvent{
			Engine: r.id,
			Resume: resumeField(r.id, decoded, "resume"),
			Title:  stringField(decoded, "title"),
			Meta:   mapField(decoded, "meta"),
		})}, nil
	case "action":
		var ok *bool
		if v, present := decoded["ok"].(bool); present {
			ok = &v
		}
		return []runnerevents.Event{runnerevents.NewAction(runnerevents.ActionEvent{
			Engine: r.id,
			Action: runnerevents.Action{
				ID:     stringField(decoded, "id"),
				Kind:   runnerevents.ActionKind(stringField(decoded, "kind")),
				Title:  stringField(decoded, "title"),
				Detail: mapField(decoded, "detail"),
			},
			Phase:   runnerevents.Phase(stringFieldOr(decoded, "phase", string(runnerevents.PhaseUpdated))),
			OK:      ok,
			Message: stringField(decoded, "message"),
			Level:   stringField(decoded, "level"),
		})}, nil
	case "completed":
		return []runnerevents.Event{runnerevents.NewCompleted(runnerevents.CompletedEvent{
			Engine: r.id,
			OK:     boolFieldOr(decoded, "ok", false),
			Answer: stringField(decoded, "answer"),
			Resume: resumeField(r.id, decoded, "resume"),
			Error:  stringField(decoded, "error"),
			Usage:  usageField(decoded, "usage"),
		})}, nil
	default:
		return nil, fmt.Errorf("engine %s: unrecognized event type %q", r.id, kind)
	}
}

func (r *cliRunner) NewState(prompt string, resume *runnerevents.ResumeToken) State {
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringFieldOr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolFieldOr(m map[string]any, key string, fallback bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return fallback
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func resumeField(engine ids.EngineId, m map[string]any, key string) *runnerevents.ResumeToken {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return nil
	}
	return &runnerevents.ResumeToken{Engine: engine, Value: v}
}

func usageField(m map[string]any, key string) *runnerevents.Usage {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	u := &runnerevents.Usage{}
	if v, ok := raw["input_tokens"].(float64); ok {
		u.InputTokens = int(v)
	}
	if v, ok := raw["output_tokens"].(float64); ok {
		u.OutputTokens = int(v)
	}
	return u
}
