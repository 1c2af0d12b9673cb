package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a sortable, lowercase id such as "task_01j9z...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}
