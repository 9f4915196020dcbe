package media

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediascribe/task"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("link expired")
	ErrNotFound         = errors.New("file not found")
)

// Signed publishes files into a local directory served by this process.
// A published file is named "<expires>_<fileId>" and is reachable through
// a URL carrying an HMAC over fileId and expiry.
type Signed struct {
	dir    string
	ttl    time.Duration
	secret []byte
	base   string
	log    *zap.Logger

	now   func() time.Time
	token func() string
}

func NewSigned(dir string, ttl time.Duration, secret, baseURL string, log *zap.Logger) *Signed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Signed{
		dir:    dir,
		ttl:    ttl,
		secret: []byte(secret),
		base:   strings.TrimRight(baseURL, "/"),
		log:    log,
		now:    time.Now,
		token:  shortuuid.New,
	}
}

// Sign returns the hex signature of fileID at expires.
func (s *Signed) Sign(fileID string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", fileID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signed) Publish(ctx context.Context, localFile, taskID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", task.Wrap(task.KindInternal, err, "create public media dir")
	}
	s.Sweep()

	expires := s.now().Add(s.ttl).Unix()
	fileID := FileID(taskID, s.token(), localFile)
	target := filepath.Join(s.dir, fmt.Sprintf("%d_%s", expires, fileID))
	if err := copyFile(localFile, target); err != nil {
		return "", task.Wrap(task.KindInternal, err, "publish media")
	}

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sign", s.Sign(fileID, expires))
	s.log.Info("media published",
		zap.String("task_id", taskID),
		zap.String("file_id", fileID),
		zap.Time("expires_at", time.Unix(expires, 0)))
	return fmt.Sprintf("%s/api/public-media/%s?%s", s.base, url.PathEscape(fileID), q.Encode()), nil
}

// Sweep deletes every published file whose expiry has passed. It returns
// the number of files removed.
func (s *Signed) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	now := s.now().Unix()
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		expires, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil || expires > now {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("swept expired public media", zap.Int("removed", removed))
	}
	return removed
}

// Serve validates a request for a published file and returns its path.
// Checks run in order: signature, expiry, existence.
func (s *Signed) Serve(fileID string, expires int64, sig string) (string, error) {
	expected := s.Sign(fileID, expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", ErrInvalidSignature
	}
	if s.now().Unix() >= expires {
		return "", ErrExpired
	}
	if fileID == "" || strings.ContainsAny(fileID, `/\`) || strings.Contains(fileID, "..") {
		return "", ErrNotFound
	}
	p := filepath.Join(s.dir, fmt.Sprintf("%d_%s", expires, fileID))
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return p, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
