// PAM backend. The conversation answers the hidden prompt with the
// submitted secret and ignores informational messages; the PAM stack is
// expected to rate-limit internally.

package auth

import (
	"errors"
	"fmt"

	"github.com/msteinert/pam/v2"
	"go.uber.org/zap"
)

func init() {
	Register("pam", newPAM)
}

// pamBackend authenticates through the system PAM stack.
// Parameters:
//
//	service — PAM service name to open. Default: "screenruster".
type pamBackend struct {
	service string
	log     *zap.Logger
}

func newPAM(params map[string]string, log *zap.Logger) (Backend, error) {
	service := params["service"]
	if service == "" {
		service = "screenruster"
	}
	return &pamBackend{service: service, log: log}, nil
}

func (b *pamBackend) Authenticate(username string, secret []byte) error {
	tx, err := pam.StartFunc(b.service, username, func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return string(secret), nil
		case pam.ErrorMsg:
			b.log.Warn("pam error message", zap.String("msg", msg))
			return "", nil
		case pam.TextInfo:
			return "", nil
		default:
			return "", errors.New("unsupported conversation style")
		}
	})
	if err != nil {
		return fmt.Errorf("pam start %q: %w", b.service, err)
	}
	defer func() { _ = tx.End() }()

	if err := tx.Authenticate(0); err != nil {
		return fmt.Errorf("pam authenticate: %w", err)
	}
	if err := tx.AcctMgmt(0); err != nil {
		return fmt.Errorf("pam account management: %w", err)
	}
	return nil
}
