// Package auth verifies submitted secrets against a compiled-in
// authentication backend selected by name in the configuration.
//
// Requests are processed serially on a single goroutine: a second
// Authenticate call while one is in flight queues behind the first. The
// concurrency limit of 1 protects credential-caching backends from race
// conditions.
//
// The plaintext secret never outlives the single verification call: the
// buffer is zeroed as soon as the backend returns, including on
// infrastructure errors, which surface to the user as a plain Failure.

package auth

import (
	"context"
	"fmt"
	"os/user"
	"sort"

	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/config"
)

// Result is the outcome of a single authentication attempt.
type Result uint8

const (
	Success Result = iota
	Failure
)

// String returns the result name.
func (r Result) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

// Backend evaluates a secret for a user. Implementations must not retain
// the secret after returning.
type Backend interface {
	// Authenticate returns nil when the secret is valid for the user.
	Authenticate(username string, secret []byte) error
}

// Constructor builds a Backend from its module parameters.
type Constructor func(params map[string]string, log *zap.Logger) (Backend, error)

var backends = map[string]Constructor{}

// Register makes a backend constructor available under the given name.
// Intended to be called from init functions of backend files.
func Register(name string, ctor Constructor) {
	backends[name] = ctor
}

// Methods returns the names of all compiled-in backends, sorted.
func Methods() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Auth is the authentication worker. Create with New, then run with Run.
type Auth struct {
	backend  Backend
	username string
	log      *zap.Logger

	requests chan []byte
	results  chan Result
}

// New resolves the configured backend and the current user.
func New(cfg *config.Auth, log *zap.Logger) (*Auth, error) {
	ctor, ok := backends[cfg.Method]
	if !ok {
		return nil, fmt.Errorf("auth.New: unknown method %q (compiled in: %v)", cfg.Method, Methods())
	}

	backend, err := ctor(cfg.Get(cfg.Method), log)
	if err != nil {
		return nil, fmt.Errorf("auth.New: %q backend: %w", cfg.Method, err)
	}

	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("auth.New: resolve current user: %w", err)
	}

	return &Auth{
		backend:  backend,
		username: u.Username,
		log:      log,
		requests: make(chan []byte, 4),
		results:  make(chan Result, 4),
	}, nil
}

// Results returns the channel of authentication outcomes. Exactly one
// result is emitted per Authenticate call, in request order.
func (a *Auth) Results() <-chan Result {
	return a.results
}

// Authenticate queues a secret for verification. The worker takes
// ownership of the buffer and zeroes it after the attempt.
func (a *Auth) Authenticate(secret []byte) {
	a.requests <- secret
}

// Run processes authentication requests until ctx is cancelled.
func (a *Auth) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case secret := <-a.requests:
			err := a.backend.Authenticate(a.username, secret)
			zero(secret)

			if err != nil {
				a.log.Info("authentication failed",
					zap.String("user", a.username), zap.Error(err))
				a.results <- Failure
				continue
			}

			a.log.Info("authentication succeeded", zap.String("user", a.username))
			a.results <- Success
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
