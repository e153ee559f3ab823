package compose

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claimbot/pkg/logx"
)

func fixedComposer(t *testing.T) *Composer {
	t.Helper()
	c := New(filepath.Join(t.TempDir(), "out"), logx.Nop())
	c.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC) }
	return c
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	p := filepath.Join(t.TempDir(), "screenshot-123.png")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = f.Close()
	return p
}

func decodeSize(t *testing.T, path string) image.Point {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return image.Pt(cfg.Width, cfg.Height)
}

func TestLines(t *testing.T) {
	got := Lines(Input{AccountID: "123", Username: "alice", Items: []string{"gold", "gems"}})
	want := []string{Title, "Account ID: 123", "User: alice", "Claimed: gold, gems"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q", got)
	}

	empty := Lines(Input{AccountID: "456", Username: "bob"})
	if last := empty[len(empty)-1]; last != "Status: already claimed / no items" {
		t.Fatalf("empty items line %q", last)
	}
	if failed := Lines(Input{AccountID: "789", Failed: true}); failed[2] != "User: unknown" || failed[3] != "Status: claim failed" {
		t.Fatalf("failed lines %q", failed)
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.FixedZone("x", 3600))
	got := FileName("123", at, ".png")
	if got != "confirmation-123-2024-05-06T06-08-09-123Z.png" {
		t.Fatalf("got %q", got)
	}
	if got := FileName("../evil", at, ".png"); strings.Contains(got, "/") {
		t.Fatalf("path separator leaked: %q", got)
	}
}

func TestComposeKeepsScreenshotDimensions(t *testing.T) {
	c := fixedComposer(t)
	shot := writePNG(t, 640, 360)
	before, _ := os.ReadFile(shot)

	out := c.Compose(Input{AccountID: "123", Username: "alice", Items: []string{"gold"}, ScreenshotPath: shot})
	if out == "" {
		t.Fatalf("expected an image")
	}
	if out == shot || filepath.Dir(out) != c.Dir() {
		t.Fatalf("output must be a new file in the output dir: %s", out)
	}
	if filepath.Base(out) != "confirmation-123-2024-05-06T07-08-09-123Z.png" {
		t.Fatalf("name %s", filepath.Base(out))
	}
	if sz := decodeSize(t, out); sz != image.Pt(640, 360) {
		t.Fatalf("size %v", sz)
	}
	after, _ := os.ReadFile(shot)
	if !bytes.Equal(before, after) {
		t.Fatalf("input screenshot was modified")
	}
}

func TestComposePlaceholderAndUniqueNames(t *testing.T) {
	c := fixedComposer(t)
	a := c.Compose(Input{AccountID: "456", Username: "bob"})
	b := c.Compose(Input{AccountID: "456", Username: "bob"})
	if a == "" || b == "" || a == b {
		t.Fatalf("expected two distinct outputs: %q %q", a, b)
	}
	if sz := decodeSize(t, a); sz != image.Pt(PlaceholderWidth, PlaceholderHeight) {
		t.Fatalf("placeholder size %v", sz)
	}
}

func TestComposeFallsBackToRawCopy(t *testing.T) {
	c := fixedComposer(t)
	raw := filepath.Join(t.TempDir(), "screenshot-9.png")
	if err := os.WriteFile(raw, []byte("not really a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := c.Compose(Input{AccountID: "9", ScreenshotPath: raw})
	if out == "" {
		t.Fatalf("expected raw copy")
	}
	got, _ := os.ReadFile(out)
	if string(got) != "not really a png" {
		t.Fatalf("copy is not verbatim: %q", got)
	}
	if !strings.HasPrefix(filepath.Base(out), "confirmation-9-") {
		t.Fatalf("name %s", out)
	}
}

func TestComposeWithoutAnythingReturnsEmpty(t *testing.T) {
	c := fixedComposer(t)
	missing := filepath.Join(t.TempDir(), "gone.png")
	if out := c.Compose(Input{AccountID: "1", ScreenshotPath: missing}); out != "" {
		t.Fatalf("expected no image, got %s", out)
	}
}
