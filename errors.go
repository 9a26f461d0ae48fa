package caresync

import (
	"errors"
	"fmt"
)

// store key is not present
var ErrKeyNotFound = errors.New("key not found")

// the credential was rejected or is known stale.
// an auth error aborts the current connect attempt without consuming
// a reconnect-attempt slot. The session coordinator is expected to
// refresh the token and call `Connect` again.
type AuthError struct {
	Err error
}

func NewAuthError(format string, a ...any) *AuthError {
	return &AuthError{
		Err: fmt.Errorf(format, a...),
	}
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", self.Err)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

func IsAuthError(err error) bool {
	var authError *AuthError
	return errors.As(err, &authError)
}

// the durable store could not complete a read/write.
// callers log this and continue in-memory for the current process
// lifetime. Durability is degraded, not correctness.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (self *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %s = %s", self.Op, self.Key, self.Err)
}

func (self *PersistenceError) Unwrap() error {
	return self.Err
}

// a mutation reached its retry cap and was dropped
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// no executor is registered for the command type at drain time
var ErrUnknownCommand = errors.New("unknown command type")
