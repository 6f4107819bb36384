// internal/media/media.go
// Package media stores uploaded lesson and series files and deletes them again by URL.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
)

// ErrUnknownURL is returned by Delete when the URL does not point into managed storage.
var ErrUnknownURL = errors.New("url is not a managed object")

// Object is a file received from a client.
type Object struct {
	Name        string    // Original file name
	ContentType string    // MIME type as declared by the client
	Size        int64     // Size in bytes, -1 when unknown
	Body        io.Reader // File contents
}

// ObjectStore stores files and returns their public URL.
// Delete must succeed when the object is already gone.
type ObjectStore interface {
	Store(ctx context.Context, prefix string, obj Object, token string) (string, error)
	Delete(ctx context.Context, url string) error
}

// Key prefixes, one directory per user and file kind.
func ThumbnailPrefix(userID string) string { return "files/user-" + userID + "/thumbnail" }
func VideoPrefix(userID string) string     { return "files/user-" + userID + "/videos" }
func DocumentPrefix(userID string) string  { return "files/user-" + userID + "/docs" }

// objectKey builds "<prefix>/<uuid>_<name>" so repeated uploads of one file never collide.
func objectKey(prefix, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return prefix + "/" + uuid.NewString() + "_" + base
}

// objectURL joins base and key, escaping the key so that names holding
// '#', '?' or '%' parse back to the same key in keyFromURL.
func objectURL(base, key string) string {
	return base + (&url.URL{Path: "/" + key}).EscapedPath()
}

// keyFromURL returns the object key a public URL refers to. For path-style
// endpoints the bucket segment is stripped.
func keyFromURL(raw, bucket string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", ErrUnknownURL
	}
	key := strings.TrimPrefix(u.Path, "/")
	if bucket != "" {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	if !strings.HasPrefix(key, "files/") {
		return "", ErrUnknownURL
	}
	return key, nil
}

// Limits constrains uploads before they reach storage.
type Limits struct {
	MaxSize      int64
	AllowedTypes []string
}

// Check validates obj against the limits.
func (l Limits) Check(obj Object) error {
	if l.MaxSize > 0 && obj.Size > l.MaxSize {
		return errordefs.NewWithDetails(errordefs.EDU_MEDIA_SIZE,
			fmt.Sprintf("file %q exceeds the %d byte limit", obj.Name, l.MaxSize), "",
			map[string]interface{}{"size": obj.Size, "maxSize": l.MaxSize})
	}
	if len(l.AllowedTypes) == 0 {
		return nil
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(obj.ContentType, ";", 2)[0]))
	for _, allowed := range l.AllowedTypes {
		if ct == strings.ToLower(allowed) {
			return nil
		}
	}
	return errordefs.NewWithDetails(errordefs.EDU_MEDIA_TYPE,
		fmt.Sprintf("file type %q is not allowed", ct), "",
		map[string]interface{}{"allowed": l.AllowedTypes})
}
