package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxAttachmentSize is the largest file accepted for upload.
const MaxAttachmentSize = 5 << 20

var allowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Upload is a local file that passed validation and may be sent.
type Upload struct {
	Name     string
	Size     int64
	MimeType string
	Path     string
}

// PrepareUpload checks size first and then sniffs the content type of the file at path.
func PrepareUpload(path string) (*Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{Field: "attachment", Err: err}
	}
	if info.IsDir() {
		return nil, &ValidationError{Field: "attachment", Err: fmt.Errorf("%s is a directory", path)}
	}
	if info.Size() > MaxAttachmentSize {
		return nil, &ValidationError{Field: "attachment", Err: ErrAttachmentTooLarge}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, &ValidationError{Field: "attachment", Err: err}
	}
	allowed, ok := matchAllowed(mt)
	if !ok {
		return nil, &ValidationError{Field: "attachment", Err: fmt.Errorf("%w: %s", ErrAttachmentType, mt.String())}
	}

	return &Upload{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: allowed,
		Path:     path,
	}, nil
}

// CheckOutgoing rejects a send that carries neither text nor an attachment.
func CheckOutgoing(body string, up *Upload) error {
	if strings.TrimSpace(body) == "" && up == nil {
		return &ValidationError{Field: "body", Err: ErrEmptyMessage}
	}
	return nil
}

func matchAllowed(mt *mimetype.MIME) (string, bool) {
	for m := mt; m != nil; m = m.Parent() {
		for _, t := range allowedTypes {
			if m.Is(t) {
				return t, true
			}
		}
	}
	return "", false
}
