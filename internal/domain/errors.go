package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound возвращает реестр, если агента нет.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrPolicyNotConfigured агент есть, а политики нет.
	ErrPolicyNotConfigured = errors.New("no policy configured for agent")
	// ErrStorage маркер инфраструктурного сбоя (БД, сеть). Не путать с отказом политики.
	ErrStorage = errors.New("storage failure")
)

// StorageError сбой чтения/записи в хранилище. Всегда пробрасывается вызывающему,
// никогда не превращается в approved=false.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InvalidInputError некорректный запрос. Отсекается до вызова валидатора.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Message)
}

func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}
