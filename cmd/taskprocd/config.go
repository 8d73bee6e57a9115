package main

import (
	"fmt"
	"os"

	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/value"
	"gopkg.in/yaml.v3"
)

// PipelineConfig is the toy pipeline file the demo CLI loads: a flat list
// of processes, each carrying its own literal tuple feed. There is no
// channel-wiring DSL here — every process runs standalone against its own
// Tuples, which is enough to exercise the full per-process state machine
// without a dataflow graph compiler.
type PipelineConfig struct {
	Processes []ProcessConfig `yaml:"processes"`
}

// ProcessConfig mirrors the subset of process.Descriptor a YAML pipeline
// file can set, plus the literal input tuples to feed it.
type ProcessConfig struct {
	Name          string           `yaml:"name"`
	Command       string           `yaml:"command"`
	ErrorStrategy string           `yaml:"errorStrategy"`
	MaxRetries    int              `yaml:"maxRetries"`
	MaxErrors     int              `yaml:"maxErrors"`
	MaxForks      int              `yaml:"maxForks"`
	ArrayBatch    int              `yaml:"arrayBatch"`
	Fair          bool             `yaml:"fair"`
	Caching       bool             `yaml:"caching"`
	HashMode      string           `yaml:"hashMode"`
	Inputs        []InputConfig    `yaml:"inputs"`
	Outputs       []OutputConfig   `yaml:"outputs"`
	Tuples        []map[string]any `yaml:"tuples"`
}

// InputConfig describes one input parameter.
type InputConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // value|file|env|stdin|each
	Glob bool   `yaml:"glob"`
}

// OutputConfig describes one output parameter.
type OutputConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // stdout|file|value|env|cmd-eval|default
	Pattern  string `yaml:"pattern"`
	Optional bool   `yaml:"optional"`
}

// LoadPipeline reads and parses a pipeline YAML file.
func LoadPipeline(path string) (*PipelineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskprocd: read pipeline %s: %w", path, err)
	}
	var cfg PipelineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("taskprocd: parse pipeline %s: %w", path, err)
	}
	if len(cfg.Processes) == 0 {
		return nil, fmt.Errorf("taskprocd: pipeline %s declares no processes", path)
	}
	return &cfg, nil
}

// toDescriptor converts one ProcessConfig into a process.Descriptor,
// assigning it id within the pipeline.
func (c ProcessConfig) toDescriptor(id int) (*process.Descriptor, error) {
	strat, err := parseStrategy(c.ErrorStrategy)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", c.Name, err)
	}
	mode, err := parseHashMode(c.HashMode)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", c.Name, err)
	}

	inputs := make([]process.InputParam, len(c.Inputs))
	for i, in := range c.Inputs {
		kind, err := parseInputKind(in.Kind)
		if err != nil {
			return nil, fmt.Errorf("process %s: input %s: %w", c.Name, in.Name, err)
		}
		arity := process.Arity{Min: 0, Max: -1}
		if kind != process.InputFile {
			arity = process.Arity{Min: 1, Max: 1}
		}
		inputs[i] = process.InputParam{
			Kind:   kind,
			Name:   in.Name,
			Index:  i,
			Arity:  arity,
			Single: kind != process.InputFile,
			Glob:   in.Glob,
		}
	}

	outputs := make([]process.OutputParam, len(c.Outputs))
	for i, out := range c.Outputs {
		kind, err := parseOutputKind(out.Kind)
		if err != nil {
			return nil, fmt.Errorf("process %s: output %s: %w", c.Name, out.Name, err)
		}
		outputs[i] = process.OutputParam{
			Kind:     kind,
			Name:     out.Name,
			Optional: out.Optional,
			Pattern:  out.Pattern,
			Type:     "file",
		}
	}

	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	maxErrors := c.MaxErrors
	if maxErrors == 0 {
		maxErrors = -1
	}

	return process.New(process.Descriptor{
		ID:          id,
		Name:        c.Name,
		Inputs:      inputs,
		Outputs:     outputs,
		CommandBody: c.Command,
		ErrorStrat:  strat,
		MaxRetries:  maxRetries,
		MaxErrors:   maxErrors,
		MaxForks:    c.MaxForks,
		ArrayBatch:  c.ArrayBatch,
		Fair:        c.Fair,
		HashMode:    mode,
		CachingOn:   c.Caching,
	})
}

func parseStrategy(s string) (process.ErrorStrategy, error) {
	switch s {
	case "", "terminate":
		return process.StrategyTerminate, nil
	case "finish":
		return process.StrategyFinish, nil
	case "ignore":
		return process.StrategyIgnore, nil
	case "retry":
		return process.StrategyRetry, nil
	default:
		return 0, fmt.Errorf("unknown errorStrategy %q", s)
	}
}

func parseHashMode(s string) (fingerprint.Mode, error) {
	switch s {
	case "", "standard":
		return fingerprint.ModeStandard, nil
	case "deep":
		return fingerprint.ModeDeep, nil
	case "lenient":
		return fingerprint.ModeLenient, nil
	default:
		return 0, fmt.Errorf("unknown hashMode %q", s)
	}
}

func parseInputKind(s string) (process.InputKind, error) {
	switch s {
	case "", "value":
		return process.InputValue, nil
	case "file":
		return process.InputFile, nil
	case "env":
		return process.InputEnv, nil
	case "stdin":
		return process.InputStdin, nil
	case "each":
		return process.InputEach, nil
	default:
		return 0, fmt.Errorf("unknown input kind %q", s)
	}
}

func parseOutputKind(s string) (process.OutputKind, error) {
	switch s {
	case "", "stdout":
		return process.OutputStdout, nil
	case "file":
		return process.OutputFile, nil
	case "value":
		return process.OutputValue, nil
	case "env":
		return process.OutputEnv, nil
	case "cmd-eval":
		return process.OutputCmdEval, nil
	case "default":
		return process.OutputDefault, nil
	default:
		return 0, fmt.Errorf("unknown output kind %q", s)
	}
}

// valueFromAny converts a decoded YAML scalar/sequence into a value.Value.
// Strings that look like filesystem paths bound to the "file" input kind
// are lifted to KindPath by the caller, which knows the input's kind;
// this helper only handles the kind-agnostic literal conversion.
func valueFromAny(v any) value.Value {
	switch t := v.(type) {
	case string:
		return value.String(t)
	case int:
		return value.Number(float64(t))
	case float64:
		return value.Number(t)
	case bool:
		return value.Bool(t)
	case []any:
		items := make([]value.Value, len(t))
		for i, e := range t {
			items[i] = valueFromAny(e)
		}
		return value.List(items...)
	case map[string]any:
		m := make(map[string]value.Value, len(t))
		for k, e := range t {
			m[k] = valueFromAny(e)
		}
		return value.Map(m)
	case nil:
		return value.String("")
	default:
		return value.String(fmt.Sprintf("%v", t))
	}
}
