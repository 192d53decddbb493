// Package upload stores chat attachments (images and voice notes) on disk
// and hands back the URL messages should reference.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("only image and audio files are allowed")
	ErrEmptyFile       = errors.New("file is empty")
	ErrInvalidName     = errors.New("invalid file name")
)

// URLPrefix is where stored files are served from.
const URLPrefix = "/uploads/chat/"

// extByType lists every type accepted for storage and the extension it is
// stored under. The client's filename never picks the extension.
var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/heic": ".heic",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
	"audio/webm": ".webm",
}

// sniffedTypes maps what http.DetectContentType reports to the stored type.
// Browser recorders produce webm/mp4 containers holding only audio.
var sniffedTypes = map[string]string{
	"image/jpeg":      "image/jpeg",
	"image/png":       "image/png",
	"image/gif":       "image/gif",
	"image/webp":      "image/webp",
	"audio/mpeg":      "audio/mpeg",
	"audio/wave":      "audio/wav",
	"application/ogg": "audio/ogg",
	"video/webm":      "audio/webm",
	"video/mp4":       "audio/mp4",
}

// declaredTypes are accepted from the client only when sniffing finds
// nothing but opaque binary data.
var declaredTypes = map[string]string{
	"image/heic":  "image/heic",
	"image/heif":  "image/heic",
	"audio/mpeg":  "audio/mpeg",
	"audio/mp3":   "audio/mpeg",
	"audio/aac":   "audio/aac",
	"audio/x-m4a": "audio/mp4",
	"audio/mp4":   "audio/mp4",
}

var typeByExt = func() map[string]string {
	m := make(map[string]string, len(extByType))
	for ct, ext := range extByType {
		m[ext] = ct
	}
	return m
}()

// Info describes a stored file.
type Info struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	ModTime     time.Time `json:"modTime"`
}

// Storage writes attachments under a single directory.
type Storage struct {
	dir      string
	maxBytes int64
}

// NewStorage creates dir if needed. maxBytes <= 0 means 10 MiB.
func NewStorage(dir string, maxBytes int64) (*Storage, error) {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Storage{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory files are written to.
func (s *Storage) Dir() string {
	return s.dir
}

// MaxBytes returns the per-file size limit.
func (s *Storage) MaxBytes() int64 {
	return s.maxBytes
}

// Save stores r under a fresh name whose extension follows the detected
// content type. declaredType only counts for opaque binary formats the
// sniffer does not recognise; filename is used in logs only.
func (s *Storage) Save(ctx context.Context, r io.Reader, filename, declaredType string) (Info, error) {
	// 先頭 512 バイトで種類を判定する
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Info{}, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Info{}, ErrEmptyFile
	}

	contentType, ok := resolveContentType(declaredType, head)
	if !ok {
		log.Printf("[upload] ❌ Rejected %q (declared %q, detected %q)", filename, declaredType, http.DetectContentType(head))
		return Info{}, ErrUnsupportedType
	}

	name := "chat-" + uuid.NewString() + extByType[contentType]
	full := filepath.Join(s.dir, name)
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create file: %w", err)
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(full)
		if errors.Is(err, ErrTooLarge) || errors.Is(err, context.Canceled) {
			return Info{}, err
		}
		return Info{}, fmt.Errorf("failed to write file: %w", err)
	}

	return Info{
		Name:        name,
		URL:         URLPrefix + name,
		Size:        written,
		ContentType: contentType,
		ModTime:     time.Now().UTC(),
	}, nil
}

// Open returns a stored file for serving. Names without an accepted
// extension are refused.
func (s *Storage) Open(name string) (*os.File, error) {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return nil, ErrInvalidName
	}
	if _, ok := ContentType(name); !ok {
		return nil, ErrInvalidName
	}
	return os.Open(filepath.Join(s.dir, name))
}

// ContentType returns the type a stored file is served with.
func ContentType(name string) (string, bool) {
	ct, ok := typeByExt[strings.ToLower(filepath.Ext(name))]
	return ct, ok
}

func resolveContentType(declared string, head []byte) (string, bool) {
	sniffed, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return "", false
	}
	if ct, ok := sniffedTypes[sniffed]; ok {
		return ct, true
	}
	if sniffed != "application/octet-stream" {
		return "", false
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", false
	}
	ct, ok := declaredTypes[strings.ToLower(mt)]
	return ct, ok
}
