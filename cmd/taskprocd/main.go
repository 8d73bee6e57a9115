// Command taskprocd is a demo driver for the taskproc packages: it loads
// a small YAML-described toy pipeline, wires an in-memory cache and a
// local executor, drives one Processor per declared process, and prints
// a colorized summary with a live progress bar.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:           "taskprocd",
		Short:         "Run a toy dataflow pipeline through the task processor",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	var (
		pipelinePath string
		workDir      string
		metricsAddr  string
		resumeFrom   string
		saveTo       string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newCancellableContext()
			defer cancel()
			return runPipeline(ctx, runOptions{
				PipelinePath: pipelinePath,
				WorkDir:      workDir,
				MetricsAddr:  metricsAddr,
				SaveTo:       saveTo,
				NoColor:      noColor,
			})
		},
	}
	runCmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "pipeline.yaml", "path to the pipeline YAML file")
	runCmd.Flags().StringVar(&workDir, "work-dir", "", "task work directory (default: a fresh temp dir)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	runCmd.Flags().StringVar(&saveTo, "save-cache", "", "write the in-memory cache to this file on exit, for a later resume --from")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a pipeline from a previously saved cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resumeFrom == "" {
				return fmt.Errorf("taskprocd: resume requires --from")
			}
			ctx, cancel := newCancellableContext()
			defer cancel()
			return runPipeline(ctx, runOptions{
				PipelinePath: pipelinePath,
				WorkDir:      workDir,
				MetricsAddr:  metricsAddr,
				ResumeFrom:   resumeFrom,
				SaveTo:       saveTo,
				NoColor:      noColor,
			})
		},
	}
	resumeCmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "pipeline.yaml", "path to the pipeline YAML file")
	resumeCmd.Flags().StringVar(&workDir, "work-dir", "", "task work directory (default: a fresh temp dir)")
	resumeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	resumeCmd.Flags().StringVar(&resumeFrom, "from", "", "cache file previously written with --save-cache")
	resumeCmd.Flags().StringVar(&saveTo, "save-cache", "", "write the in-memory cache to this file on exit")

	rootCmd.AddCommand(runCmd, resumeCmd)

	if err := rootCmd.Execute(); err != nil {
		if noColor {
			color.NoColor = true
		}
		fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		os.Exit(1)
	}
}

// newCancellableContext returns a context canceled on SIGINT/SIGTERM, so
// Ctrl+C unwinds every running Processor instead of leaving it stranded.
func newCancellableContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
