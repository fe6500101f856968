package vault

import "errors"

var (
	ErrVaultExists   = errors.New("vault: vault already exists")
	ErrVaultNotFound = errors.New("vault: vault not found, run 'litterbox init' first")
	ErrWrongPassword = errors.New("vault: wrong password")
	ErrCorruptStore  = errors.New("vault: vault file is corrupt")
	ErrUnknownKey    = errors.New("vault: unknown key")
	ErrKeyExists     = errors.New("vault: key already exists")
	ErrKeyAttached   = errors.New("vault: key is attached to a sandbox")
	ErrInvalidName   = errors.New("vault: invalid name")
	ErrInvalidType   = errors.New("vault: unsupported key type")
	ErrPersistence   = errors.New("vault: failed to persist vault")
	ErrLockTimeout   = errors.New("vault: timed out waiting for vault lock")
	ErrKeyringClosed = errors.New("vault: keyring is closed")
)
