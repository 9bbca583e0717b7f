package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/common/logger"
)

// Account is one configured principal. The engine carries only enough of
// a resource model to mint sessions and check scopes; directories and
// org charts are someone else's problem.
type Account struct {
	Principal string
	Password  string
	Scopes    []Scope
	TaskNames []string
}

// NewAccount builds an account from configured strings, validating the
// scope names.
func NewAccount(principal, password string, scopeNames, taskNames []string) (Account, error) {
	scopes, err := ParseScopes(scopeNames)
	if err != nil {
		return Account{}, fmt.Errorf("account %q: %w", principal, err)
	}
	if len(scopes) == 0 {
		return Account{}, fmt.Errorf("account %q has no scopes", principal)
	}
	return Account{
		Principal: principal,
		Password:  password,
		Scopes:    scopes,
		TaskNames: taskNames,
	}, nil
}

// Manager authenticates principals and tracks their sessions through a
// store.
type Manager struct {
	accounts map[string]Account
	store    Store
	logg     *logger.Logger
}

// NewManager creates a session manager over the given accounts and
// store.
func NewManager(accounts []Account, store Store, logg *logger.Logger) (*Manager, error) {
	byName := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if a.Principal == "" {
			return nil, errors.New("account with empty principal")
		}
		if _, dup := byName[a.Principal]; dup {
			return nil, fmt.Errorf("duplicate account %q", a.Principal)
		}
		byName[a.Principal] = a
	}
	return &Manager{accounts: byName, store: store, logg: logg}, nil
}

// Connect authenticates a principal and mints a fresh handle. Unknown
// principals and wrong passwords return the same auth fault so the
// response does not confirm which principals exist.
func (m *Manager) Connect(ctx context.Context, principal, password string) (*Session, error) {
	account, ok := m.accounts[principal]
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(account.Password)) != 1 {
		return nil, faults.New(faults.KindAuth, "invalid credentials")
	}

	sess := &Session{
		Handle:    uuid.NewString(),
		Principal: account.Principal,
		Scopes:    append([]Scope(nil), account.Scopes...),
		TaskNames: append([]string(nil), account.TaskNames...),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, faults.Wrap(faults.KindBusy, err, "session store unavailable")
	}

	m.logg.Info("session connected", "principal", principal, "handle", sess.Handle)
	return sess, nil
}

// Resolve looks a handle up and extends its idle window.
func (m *Manager) Resolve(ctx context.Context, handle string) (*Session, error) {
	if handle == "" {
		return nil, faults.New(faults.KindAuth, "missing session handle")
	}
	sess, err := m.store.Get(ctx, handle)
	if errors.Is(err, ErrUnknownHandle) {
		return nil, faults.Wrap(faults.KindAuth, err, "session expired or unknown")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindBusy, err, "session store unavailable")
	}
	return sess, nil
}

// Disconnect discards a handle. Discarding an absent handle succeeds;
// the caller wanted it gone and it is.
func (m *Manager) Disconnect(ctx context.Context, handle string) error {
	if err := m.store.Delete(ctx, handle); err != nil {
		return faults.Wrap(faults.KindBusy, err, "session store unavailable")
	}
	m.logg.Info("session disconnected", "handle", handle)
	return nil
}
