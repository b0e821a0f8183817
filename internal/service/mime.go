package service

import (
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMimeType 是无法推断类型时使用的 MIME。
const DefaultMimeType = "application/octet-stream"

// resolveMimeType 优先使用调用方给出的类型，其次按文件扩展名推断。
func resolveMimeType(given, name string) string {
	if given = strings.TrimSpace(given); given != "" {
		return given
	}
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return DefaultMimeType
}
