// Package compose renders confirmation images: the claim screenshot (or a
// gradient placeholder) with a footer panel carrying the claim metadata.
package compose

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"claimbot/pkg/logx"
)

const (
	Title = "Reward Claim Confirmation"

	PlaceholderWidth  = 800
	PlaceholderHeight = 600

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Input describes one claim to render.
type Input struct {
	AccountID      string
	Username       string
	Items          []string
	ScreenshotPath string
	Failed         bool
}

// Composer writes confirmation images into a directory.
type Composer struct {
	dir string
	log logx.Logger
	now func() time.Time
}

func New(dir string, log logx.Logger) *Composer {
	return &Composer{dir: dir, log: log, now: time.Now}
}

func (c *Composer) Dir() string { return c.dir }

// Compose returns the path of a newly written image, or "" when nothing could
// be produced. It never modifies the input screenshot and never fails: on a
// rendering error the screenshot is copied verbatim instead.
func (c *Composer) Compose(in Input) string {
	log := c.log.With(logx.String("account", in.AccountID))
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		log.Warn("compose: output dir unavailable", logx.String("dir", c.dir), logx.Err(err))
		return ""
	}

	path, err := c.render(in)
	if err == nil {
		return path
	}
	log.Warn("compose failed, falling back to raw screenshot", logx.Err(err))

	if in.ScreenshotPath == "" {
		return ""
	}
	path, err = c.copyRaw(in)
	if err != nil {
		log.Warn("compose: raw screenshot copy failed", logx.String("screenshot", in.ScreenshotPath), logx.Err(err))
		return ""
	}
	return path
}

func (c *Composer) render(in Input) (string, error) {
	var bg image.Image
	if in.ScreenshotPath != "" {
		img, err := decodeFile(in.ScreenshotPath)
		if err != nil {
			return "", err
		}
		bg = img
	} else {
		bg = Placeholder(PlaceholderWidth, PlaceholderHeight)
	}

	canvas := image.NewRGBA(bg.Bounds().Sub(bg.Bounds().Min))
	stddraw.Draw(canvas, canvas.Bounds(), bg, bg.Bounds().Min, stddraw.Src)
	drawFooter(canvas, Lines(in))

	f, path, err := c.create(in.AccountID, ".png")
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, canvas); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("encode png: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (c *Composer) copyRaw(in Input) (string, error) {
	src, err := os.Open(in.ScreenshotPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(in.ScreenshotPath))
	if ext == "" {
		ext = ".png"
	}
	dst, path, err := c.create(in.AccountID, ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// create opens a file that did not exist before, nudging the timestamp on
// collision.
func (c *Composer) create(accountID, ext string) (*os.File, string, error) {
	at := c.now()
	for i := 0; i < 10; i++ {
		path := filepath.Join(c.dir, FileName(accountID, at.Add(time.Duration(i)*time.Millisecond), ext))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free output name for account %s", accountID)
}

// FileName is confirmation-<accountId>-<UTC ISO timestamp with ':' and '.'
// replaced by '-'><ext>.
func FileName(accountID string, at time.Time, ext string) string {
	ts := at.UTC().Format(timestampLayout)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "confirmation-" + safeName(accountID) + "-" + ts + ext
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Lines is the footer text, top to bottom.
func Lines(in Input) []string {
	user := strings.TrimSpace(in.Username)
	if user == "" {
		user = "unknown"
	}
	lines := []string{
		Title,
		"Account ID: " + in.AccountID,
		"User: " + user,
	}
	switch {
	case in.Failed:
		lines = append(lines, "Status: claim failed")
	case len(in.Items) == 0:
		lines = append(lines, "Status: already claimed / no items")
	default:
		lines = append(lines, "Claimed: "+strings.Join(in.Items, ", "))
	}
	return lines
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode %s: empty image", filepath.Base(path))
	}
	return img, nil
}

// Placeholder is a vertical gradient used when there is no screenshot.
func Placeholder(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	top := color.RGBA{R: 0x23, G: 0x27, B: 0x5c, A: 0xff}
	bottom := color.RGBA{R: 0x7b, G: 0x2f, B: 0x8e, A: 0xff}
	for y := 0; y < h; y++ {
		t := float64(y) / float64(max(h-1, 1))
		c := color.RGBA{
			R: lerp(top.R, bottom.R, t),
			G: lerp(top.G, bottom.G, t),
			B: lerp(top.B, bottom.B, t),
			A: 0xff,
		}
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

var (
	panelFill   = color.NRGBA{A: 0xb4}
	panelBorder = color.NRGBA{R: 0xf5, G: 0xc5, B: 0x18, A: 0xff}
	titleColor  = color.NRGBA{R: 0xf5, G: 0xc5, B: 0x18, A: 0xff}
	textColor   = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// drawFooter draws the bordered, semi-transparent panel along the bottom edge.
// Text is rendered with the 7x13 bitmap face and scaled up on wide images.
func drawFooter(dst *image.RGBA, lines []string) {
	face := basicfont.Face7x13
	const lineH, pad, border = 16, 8, 2

	b := dst.Bounds()
	scale := max(1, b.Dx()/400)
	margin := 10 * scale

	textW := 0
	for _, l := range lines {
		textW = max(textW, font.MeasureString(face, l).Ceil())
	}
	text := image.NewNRGBA(image.Rect(0, 0, textW+2*pad, len(lines)*lineH+2*pad))
	d := &font.Drawer{Dst: text, Face: face}
	for i, l := range lines {
		d.Src = image.NewUniform(textColor)
		if i == 0 {
			d.Src = image.NewUniform(titleColor)
		}
		d.Dot = fixed.P(pad, pad+i*lineH+face.Ascent)
		d.DrawString(l)
	}

	panelW := min(b.Dx()-2*margin, max(text.Bounds().Dx()*scale, b.Dx()/2))
	panelH := min(b.Dy()-2*margin, text.Bounds().Dy()*scale)
	if panelW <= 2*border || panelH <= 2*border {
		return
	}
	panel := image.Rect(b.Min.X+margin, b.Max.Y-margin-panelH, b.Min.X+margin+panelW, b.Max.Y-margin)

	stddraw.Draw(dst, panel, image.NewUniform(panelFill), image.Point{}, stddraw.Over)
	for _, edge := range []image.Rectangle{
		image.Rect(panel.Min.X, panel.Min.Y, panel.Max.X, panel.Min.Y+border),
		image.Rect(panel.Min.X, panel.Max.Y-border, panel.Max.X, panel.Max.Y),
		image.Rect(panel.Min.X, panel.Min.Y, panel.Min.X+border, panel.Max.Y),
		image.Rect(panel.Max.X-border, panel.Min.Y, panel.Max.X, panel.Max.Y),
	} {
		stddraw.Draw(dst, edge, image.NewUniform(panelBorder), image.Point{}, stddraw.Src)
	}

	tw := min(text.Bounds().Dx()*scale, panelW-2*border)
	th := min(text.Bounds().Dy()*scale, panelH-2*border)
	target := image.Rect(panel.Min.X+border, panel.Min.Y+border, panel.Min.X+border+tw, panel.Min.Y+border+th)
	srcRect := image.Rect(0, 0, tw/scale, th/scale)
	xdraw.NearestNeighbor.Scale(dst, target, text, srcRect, xdraw.Over, nil)
}
