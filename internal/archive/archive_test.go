package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"claimbot/pkg/logx"
)

type fakePutter struct {
	key  string
	body []byte
	ct   string
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.ct = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestUploadKeyAndBody(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "confirmation-a1.png")
	if err := os.WriteFile(file, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp := &fakePutter{}
	s := newWithClient(fp, Config{Bucket: "b", Prefix: "/claims/"}, logx.Nop())
	s.now = func() time.Time { return time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC) }

	key, err := s.Upload(context.Background(), file)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "claims/2024/05/06/confirmation-a1.png" || fp.key != key {
		t.Fatalf("unexpected key %q (put %q)", key, fp.key)
	}
	if string(fp.body) != "png" || fp.ct != "image/png" {
		t.Fatalf("unexpected upload body=%q ct=%q", fp.body, fp.ct)
	}
}

func TestUploadErrors(t *testing.T) {
	fp := &fakePutter{err: errors.New("denied")}
	s := newWithClient(fp, Config{Bucket: "b"}, logx.Nop())

	if _, err := s.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	file := filepath.Join(t.TempDir(), "x.png")
	_ = os.WriteFile(file, []byte("x"), 0o644)
	if _, err := s.Upload(context.Background(), file); err == nil {
		t.Fatalf("expected put error")
	}
}
