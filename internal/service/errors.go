// Package service 包含了应用的业务逻辑层。
package service

import "errors"

var (
	ErrConversationNotFound = errors.New("not found")
	ErrUserExists           = errors.New("user exists")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrMissingCredentials   = errors.New("username and password required")
	ErrEmptyMessage         = errors.New("message required")
	ErrExportDisabled       = errors.New("export storage not configured")
)
