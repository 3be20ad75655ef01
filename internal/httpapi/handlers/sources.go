package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/httpkit"
	"clipforge/internal/pkg/ids"
	"clipforge/internal/ports"

	apperrors "clipforge/internal/pkg/errors"
)

// signedURLVerifier is implemented by providers whose signed URLs point back
// at this API (localfs).
type signedURLVerifier interface {
	VerifySignedURL(objectKey, expires, sig string) error
}

// PostSource uploads a source video for the caller. The returned source_ref
// is what POST /jobs expects.
func (h *Handler) PostSource(w http.ResponseWriter, r *http.Request) error {
	const op = "handlers.post_source"
	ownerID, err := owner(r)
	if err != nil {
		return err
	}
	if strings.ContainsAny(ownerID, `/\`) {
		return apperrors.ValidationField(OwnerHeader, "owner id must not contain path separators")
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return apperrors.Validationf("invalid multipart form: %v", err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		return apperrors.ValidationField("file", "file is required")
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = guessExt(contentType)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			contentType = ct
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !strings.HasPrefix(contentType, "video/") && !strings.HasPrefix(contentType, "audio/") {
		return apperrors.ValidationField("file", "source must be a video or audio file").WithField("content_type", contentType)
	}

	key := fmt.Sprintf("sources/%s/%s%s", ownerID, ids.New("src"), ext)
	out, err := h.sp.PutObject(r.Context(), ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      file,
		Size:        header.Size,
		OwnerID:     ownerID,
	})
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "storage upload failed").
			WithField("provider", h.sp.Provider())
	}

	h.log.FromContext(r.Context()).Info("source uploaded",
		"owner_id", ownerID,
		"source_ref", out.ObjectKey,
		"size_bytes", out.Size,
		"provider", h.sp.Provider(),
	)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{
		"source": map[string]any{
			"source_ref":   out.ObjectKey,
			"provider":     h.sp.Provider(),
			"content_type": contentType,
			"size_bytes":   out.Size,
			"created_at":   time.Now().UTC(),
		},
	})
	return nil
}

// SourceContent serves a source to whoever holds a URL minted by the
// provider's GetSignedURL, normally the rendering service.
func (h *Handler) SourceContent(w http.ResponseWriter, r *http.Request) error {
	v, ok := h.sp.(signedURLVerifier)
	if !ok {
		return apperrors.NotFound("route", r.URL.Path)
	}

	q := r.URL.Query()
	key := q.Get("key")
	if err := v.VerifySignedURL(key, q.Get("expires"), q.Get("sig")); err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeForbidden, "handlers.source_content", err.Error())
	}

	rc, ct, size, err := h.sp.GetObject(r.Context(), key)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return apperrors.NotFound("source", key)
	}
	if err != nil {
		return apperrors.Wrap(err, "handlers.source_content", "open source")
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
	return nil
}

func guessExt(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
