package config

import (
	"errors"
	"fmt"
)

// FieldError 指出校验失败的配置字段，Field 形如 Global.ListenPort 或 Worker.Origin。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsFieldError 判断 err 链上是否存在 FieldError，并返回其字段路径。
func IsFieldError(err error) (string, bool) {
	var fe FieldError
	if errors.As(err, &fe) {
		return fe.Field, true
	}
	return "", false
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func globalField(field string) string { return "Global." + field }

func workerField(field string) string { return "Worker." + field }
