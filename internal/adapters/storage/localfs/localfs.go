package localfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/ports"
)

var (
	ErrBadKey       = ports.ErrInvalidObjectKey
	ErrURLExpired   = errors.New("signed url expired")
	ErrURLSignature = errors.New("signed url signature mismatch")
)

// LocalFS stores source videos under a root directory. Signed URLs point
// back at the API's /sources/content endpoint.
type LocalFS struct {
	root       string
	baseURL    string
	signingKey []byte
	now        func() time.Time
}

func New(root, publicBaseURL, signingKey string) *LocalFS {
	return &LocalFS{
		root:       root,
		baseURL:    strings.TrimRight(publicBaseURL, "/"),
		signingKey: []byte(signingKey),
		now:        time.Now,
	}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", ErrBadKey
	}
	clean := filepath.Clean(filepath.FromSlash(objectKey))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrBadKey, objectKey)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, err
	}

	outF, err := os.Create(dst)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	defer outF.Close()

	n, err := io.Copy(outF, in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", 0, ports.ErrObjectNotFound
	}
	if err != nil {
		return nil, "", 0, err
	}

	if st, statErr := f.Stat(); statErr == nil {
		size = st.Size()
	}
	contentType, err = detectContentType(f, p)
	if err != nil {
		_ = f.Close()
		return nil, "", 0, err
	}
	return f, contentType, size, nil
}

func (l *LocalFS) Stat(ctx context.Context, objectKey string) (ports.ObjectInfo, error) {
	p, err := l.path(objectKey)
	if err != nil {
		return ports.ObjectInfo{}, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ports.ObjectInfo{}, ports.ErrObjectNotFound
	}
	if err != nil {
		return ports.ObjectInfo{}, err
	}
	if st.IsDir() {
		return ports.ObjectInfo{}, ports.ErrObjectNotFound
	}
	return ports.ObjectInfo{
		ObjectKey:   objectKey,
		Size:        st.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(p)),
	}, nil
}

// GetSignedURL returns <base>/sources/content?key=..&expires=..&sig=..
// VerifySignedURL checks the same triple when the URL is fetched.
func (l *LocalFS) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	if _, err := l.path(objectKey); err != nil {
		return ports.SignedURLOutput{}, err
	}
	if l.baseURL == "" {
		return ports.SignedURLOutput{}, fmt.Errorf("localfs: public base url not configured")
	}

	expiresAt := l.now().UTC().Add(expiresIn).Truncate(time.Second)
	exp := strconv.FormatInt(expiresAt.Unix(), 10)

	q := url.Values{}
	q.Set("key", objectKey)
	q.Set("expires", exp)
	q.Set("sig", l.sign(objectKey, exp))

	return ports.SignedURLOutput{
		URL:       l.baseURL + "/sources/content?" + q.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// VerifySignedURL validates the query of a URL minted by GetSignedURL.
func (l *LocalFS) VerifySignedURL(objectKey, expires, sig string) error {
	want := l.sign(objectKey, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrURLSignature
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrURLSignature
	}
	if l.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

func (l *LocalFS) sign(objectKey, expires string) string {
	mac := hmac.New(sha256.New, l.signingKey)
	mac.Write([]byte(objectKey))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// detectContentType prefers the extension and falls back to sniffing.
func detectContentType(f *os.File, p string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct, nil
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
