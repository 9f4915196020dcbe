// Package media makes local files fetchable by remote vendors.
package media

import (
	"context"
	"path/filepath"
	"strings"
)

// Publisher turns a local file into a URL a vendor can download.
type Publisher interface {
	Publish(ctx context.Context, localFile, taskID string) (string, error)
}

// FileID derives a published file id from the task id, a random token and
// the file's extension.
func FileID(taskID, token, localFile string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "-" + token + suffix(localFile)
}

func suffix(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !strings.HasPrefix(ext, ".") || len(ext) > 10 {
		return ".wav"
	}
	return ext
}

// ContentType returns the media type served for a published file.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}
