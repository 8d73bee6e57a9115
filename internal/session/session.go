// Package session defines the Session contract a backend implements:
// a handle for running one task's script with an assembled environment
// and working directory, modeled on a local-process session but general
// enough to back a remote one.
package session

import "context"

// Session runs one task's script and reports its result.
type Session interface {
	// Run executes the script under the session's current env/cwd and
	// blocks until completion or ctx cancellation. It returns the exit
	// status (or an error if the process could not be started at all).
	Run(ctx context.Context, script string) (exitStatus int, err error)

	// Env returns a copy of the session's current environment map.
	Env() map[string]string

	// WithEnv returns a new Session with env merged over the current
	// environment; the receiver is left unmodified (copy-on-write).
	WithEnv(env map[string]string) Session

	// Cwd returns the session's current working directory.
	Cwd() string

	// WithWorkdir returns a new Session rooted at dir; the receiver is
	// left unmodified.
	WithWorkdir(dir string) Session

	// ID returns a stable identifier for this session, used in log lines
	// and diagnostics.
	ID() string

	// Close releases any resources (open files, subprocess handles) the
	// session holds.
	Close() error
}
