package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/config"
)

// fakeBackend records the secrets it sees and answers from a script.
type fakeBackend struct {
	mu      sync.Mutex
	seen    []string
	answers []error
}

func (f *fakeBackend) Authenticate(username string, secret []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, string(secret))
	if len(f.answers) == 0 {
		return nil
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer
}

func newTestAuth(t *testing.T, backend Backend) *Auth {
	t.Helper()

	Register("scripted", func(params map[string]string, log *zap.Logger) (Backend, error) {
		return backend, nil
	})

	cfg := config.Auth{Method: "scripted"}
	a, err := New(&cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	return a
}

func result(t *testing.T, a *Auth) Result {
	t.Helper()
	select {
	case r := <-a.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no authentication result")
		return Failure
	}
}

func TestUnknownMethodFailsConstruction(t *testing.T) {
	cfg := config.Auth{Method: "no-such-backend"}
	_, err := New(&cfg, zap.NewNop())
	require.Error(t, err)
}

func TestSuccessAndFailure(t *testing.T) {
	backend := &fakeBackend{answers: []error{nil, errors.New("bad password")}}
	a := newTestAuth(t, backend)

	a.Authenticate([]byte("hunter2"))
	assert.Equal(t, Success, result(t, a))

	a.Authenticate([]byte("wrong"))
	assert.Equal(t, Failure, result(t, a))
}

func TestRequestsAreSerial(t *testing.T) {
	backend := &fakeBackend{}
	a := newTestAuth(t, backend)

	a.Authenticate([]byte("first"))
	a.Authenticate([]byte("second"))
	a.Authenticate([]byte("third"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, Success, result(t, a))
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, backend.seen)
}

func TestSecretZeroedAfterAttempt(t *testing.T) {
	backend := &fakeBackend{answers: []error{errors.New("backend down")}}
	a := newTestAuth(t, backend)

	secret := []byte("hunter2")
	a.Authenticate(secret)

	// Infrastructure errors surface as a plain Failure with the secret
	// wiped.
	assert.Equal(t, Failure, result(t, a))
	assert.Equal(t, make([]byte, len(secret)), secret)
}

func TestMethodsListsRegisteredBackends(t *testing.T) {
	assert.Contains(t, Methods(), "pam")
}
