package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fatih/color"
	"github.com/flowforge/taskproc/internal/cachestore"
	"github.com/flowforge/taskproc/internal/executor"
	"github.com/flowforge/taskproc/internal/fault"
	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/lock"
	"github.com/flowforge/taskproc/internal/operator"
	"github.com/flowforge/taskproc/internal/porter"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/staging"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/taskproc"
	"github.com/flowforge/taskproc/internal/value"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
)

// runOptions collects everything a pipeline run needs, gathered from
// cobra flags by the caller.
type runOptions struct {
	PipelinePath string
	WorkDir      string
	MetricsAddr  string
	ResumeFrom   string
	SaveTo       string
	NoColor      bool
}

// resumeFile is the on-disk shape persisted between runs for the resume
// subcommand: the in-memory cache's entries keyed by fingerprint hex.
// Nothing in this demo writes entries into that cache, and each run
// fingerprints under a fresh session id, so a resumed run loads the saved
// entries but gets no cache hits from them.
type resumeFile struct {
	Entries map[string]cachestore.Entry `json:"entries"`
}

// runPipeline loads a YAML pipeline, drives one taskproc.Processor per
// declared process, and prints a colorized summary with a live progress
// bar as tasks complete.
func runPipeline(ctx context.Context, opts runOptions) error {
	cfg, err := LoadPipeline(opts.PipelinePath)
	if err != nil {
		return err
	}

	workDir := opts.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "taskprocd-work-")
		if err != nil {
			return fmt.Errorf("taskprocd: create work dir: %w", err)
		}
	}
	stageDir := filepath.Join(workDir, ".stage")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("taskprocd: create stage dir: %w", err)
	}

	cache := cachestore.NewMemory()
	if opts.ResumeFrom != "" {
		if err := loadResumeCache(opts.ResumeFrom, cache); err != nil {
			return err
		}
	}

	exec := executor.NewLocal(workDir, stageDir, "")
	stager := staging.New(porter.NewLocal(), exec.IsForeignFile)
	locks := lock.New()
	sessionID := newSessionID()

	if opts.MetricsAddr != "" {
		go serveMetrics(opts.MetricsAddr)
	}

	var nextID int64
	nextTaskID := func() int64 {
		nextID++
		return nextID
	}

	total := 0
	for _, pc := range cfg.Processes {
		total += len(pc.Tuples)
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("running pipeline"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var faultsMu sync.Mutex
	var faults []fault.TaskFault
	var fatalHit bool
	shown := new(fault.ShownFlag)

	var wg sync.WaitGroup

	for i, pc := range cfg.Processes {
		desc, err := pc.toDescriptor(i)
		if err != nil {
			return err
		}

		outNames := make([]string, len(desc.Outputs))
		for j, o := range desc.Outputs {
			outNames[j] = o.Name
		}

		proc, err := taskproc.New(taskproc.Config{
			Process:      desc,
			Executor:     exec,
			Cache:        cache,
			Locks:        locks,
			Hasher:       fingerprint.New(desc.HashMode),
			Stager:       stager,
			StageDirRoot: stageDir,
			OutputNames:  outNames,
			NextTaskID:   nextTaskID,
			Resolve:      resolveTemplate,
			SessionID:    sessionID,
			OnFault: func(f fault.TaskFault, fatal bool) {
				faultsMu.Lock()
				faults = append(faults, f)
				if fatal {
					fatalHit = true
				}
				faultsMu.Unlock()
				fault.Print(os.Stderr, shown, f)
			},
		})
		if err != nil {
			return fmt.Errorf("taskprocd: wire process %s: %w", pc.Name, err)
		}

		wg.Add(1)
		go func(pc ProcessConfig) {
			defer wg.Done()
			proc.Run(ctx)
		}(pc)

		drainOutputs(proc, outNames, bar)
		feedTuples(pc, desc, proc)
	}

	wg.Wait()
	_ = bar.Finish()

	if opts.SaveTo != "" {
		if err := saveResumeCache(opts.SaveTo, cache); err != nil {
			return err
		}
	}

	printSummary(opts.NoColor, len(cfg.Processes), len(faults), fatalHit)
	if fatalHit {
		return fmt.Errorf("taskprocd: pipeline terminated with a fatal error")
	}
	return nil
}

// newSessionID returns a short random hex identifier, fed into every
// process's fingerprint keys so two runs never collide on cache entries
// even with identical process/input keys.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// feedTuples sends pc.Tuples into proc's input ports in order, closing
// every port with a poison once all tuples have been sent.
func feedTuples(pc ProcessConfig, desc *process.Descriptor, proc *taskproc.Processor) {
	kindByName := make(map[string]process.InputKind, len(desc.Inputs))
	for _, in := range desc.Inputs {
		kindByName[in.Name] = in.Kind
	}

	for _, tuple := range pc.Tuples {
		for _, in := range desc.Inputs {
			raw, ok := tuple[in.Name]
			if !ok {
				continue
			}
			v := valueFromAny(raw)
			if kindByName[in.Name] == process.InputFile && v.Kind == value.KindString {
				v = value.Path(v.Str)
			}
			proc.Port(in.Name) <- operator.Message{Value: v}
		}
	}
	for _, in := range desc.Inputs {
		proc.Port(in.Name) <- operator.Message{Poison: true}
	}
}

// drainOutputs starts one goroutine per output channel, advancing bar by
// one for every non-poison emission and printing each value as it
// arrives.
func drainOutputs(proc *taskproc.Processor, names []string, bar *progressbar.ProgressBar) {
	for name, ch := range proc.Outputs() {
		go func(name string, ch <-chan taskproc.Emission) {
			for em := range ch {
				if em.Poison {
					return
				}
				_ = bar.Add(1)
				fmt.Printf("%s %s: %s\n", color.New(color.FgGreen).Sprint("✓"), name, em.Value.Stringify())
			}
		}(name, ch)
	}
}

var templateVar = regexp.MustCompile(`\$\{(\w+)\}`)

// resolveTemplate substitutes ${name} placeholders in template with the
// stringified value bound to name in ctx, matching the toy command
// syntax the demo pipeline files use. Unbound names are left untouched.
func resolveTemplate(template string, ctx *task.Context) (string, error) {
	return templateVar.ReplaceAllStringFunc(template, func(m string) string {
		name := templateVar.FindStringSubmatch(m)[1]
		v, ok := ctx.Get(name)
		if !ok {
			return m
		}
		return v.Stringify()
	}), nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	_ = http.ListenAndServe(addr, mux)
}

func printSummary(noColor bool, numProcesses, numFaults int, fatal bool) {
	if noColor {
		color.NoColor = true
	}
	if numFaults == 0 {
		fmt.Println(color.New(color.FgGreen, color.Bold).Sprintf("pipeline completed: %d process(es), no faults", numProcesses))
		return
	}
	style := color.New(color.FgYellow, color.Bold)
	if fatal {
		style = color.New(color.FgRed, color.Bold)
	}
	fmt.Println(style.Sprintf("pipeline completed: %d process(es), %d fault(s)", numProcesses, numFaults))
}

func loadResumeCache(path string, cache *cachestore.Memory) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("taskprocd: read resume file %s: %w", path, err)
	}
	var rf resumeFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return fmt.Errorf("taskprocd: parse resume file %s: %w", path, err)
	}
	return cache.LoadSnapshot(rf.Entries)
}

func saveResumeCache(path string, cache *cachestore.Memory) error {
	rf := resumeFile{Entries: cache.Snapshot()}
	raw, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("taskprocd: encode resume file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("taskprocd: write resume file %s: %w", path, err)
	}
	return nil
}
