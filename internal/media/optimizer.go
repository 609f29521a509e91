// Package media turns a batch image reference into a gateway-ready JPEG
// payload within a byte budget.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/jmehdipour/dispatch-batch/internal/config"
	"github.com/jmehdipour/dispatch-batch/internal/metrics"
)

const (
	ModePassthrough = "passthrough"
	ModeTranscoded  = "transcoded"
	ModeOversize    = "oversize" // smallest attempt, still above budget
	ModeUnavailable = "unavailable"

	mimeJPEG = "image/jpeg"

	// maxSourceBytes caps what we are willing to download for one image.
	maxSourceBytes = 64 << 20
)

var errTooLarge = errors.New("source image exceeds download cap")

// Payload is an encoded image ready for a media send.
type Payload struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Mode     string `json:"mode"`
}

// Optimizer fetches and shrinks images. It is safe for concurrent use.
type Optimizer struct {
	client *resty.Client
	cfg    config.MediaConfig
	log    *zap.Logger
}

func NewOptimizer(cfg config.MediaConfig, log *zap.Logger) *Optimizer {
	client := resty.New()
	client.SetRetryCount(0)
	return NewOptimizerWithClient(cfg, client, log)
}

func NewOptimizerWithClient(cfg config.MediaConfig, client *resty.Client, log *zap.Logger) *Optimizer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 500 * 1024
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 1200
	}
	if cfg.StartQuality <= 0 || cfg.StartQuality > 100 {
		cfg.StartQuality = 85
	}
	if cfg.QualityStep <= 0 {
		cfg.QualityStep = 10
	}
	if cfg.MinQuality <= 0 || cfg.MinQuality > cfg.StartQuality {
		cfg.MinQuality = 30
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	client.SetTimeout(cfg.FetchTimeout)
	client.SetRetryCount(0)
	return &Optimizer{client: client, cfg: cfg, log: log.Named("media")}
}

// Optimize returns the payload for ref, or nil when the image cannot be
// fetched or decoded. ref is an http(s) URL or a local file path.
func (o *Optimizer) Optimize(ctx context.Context, ref string) *Payload {
	p, err := o.optimize(ctx, ref)
	if err != nil {
		metrics.MediaOptimizeTotal.WithLabelValues(ModeUnavailable).Inc()
		o.log.Warn("image unavailable", zap.String("ref", ref), zap.Error(err))
		return nil
	}
	metrics.MediaOptimizeTotal.WithLabelValues(p.Mode).Inc()
	o.log.Debug("image optimized",
		zap.String("ref", ref),
		zap.String("mode", p.Mode),
		zap.Int("bytes", len(p.Data)),
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
	)
	return p
}

func (o *Optimizer) optimize(ctx context.Context, ref string) (*Payload, error) {
	local, cleanup, err := o.localize(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	name := fileName(ref)
	if st.Size() <= int64(o.cfg.MaxBytes) && http.DetectContentType(head[:n]) == mimeJPEG {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return &Payload{Data: data, MimeType: mimeJPEG, FileName: name, Width: cfg.Width, Height: cfg.Height, Mode: ModePassthrough}, nil
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	img := Downscale(src, o.cfg.MaxDimension)

	data, fits, err := o.encode(img)
	if err != nil {
		return nil, err
	}
	mode := ModeTranscoded
	if !fits {
		mode = ModeOversize
	}
	b := img.Bounds()
	return &Payload{Data: data, MimeType: mimeJPEG, FileName: name, Width: b.Dx(), Height: b.Dy(), Mode: mode}, nil
}

// encode walks the quality ladder and stops at the first result within
// budget; otherwise it returns the smallest attempt.
func (o *Optimizer) encode(img image.Image) ([]byte, bool, error) {
	var best []byte
	for _, q := range QualityLadder(o.cfg.StartQuality, o.cfg.QualityStep, o.cfg.MinQuality) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, false, fmt.Errorf("encode q=%d: %w", q, err)
		}
		if buf.Len() <= o.cfg.MaxBytes {
			return buf.Bytes(), true, nil
		}
		if best == nil || buf.Len() < len(best) {
			best = buf.Bytes()
		}
	}
	return best, false, nil
}

// QualityLadder lists start, start-step, ... and finally floor itself.
func QualityLadder(start, step, floor int) []int {
	var out []int
	for q := start; q > floor; q -= step {
		out = append(out, q)
	}
	return append(out, floor)
}

// Downscale shrinks img so its larger side is at most maxDim, keeping the
// aspect ratio. Images already within bounds are returned as is.
func Downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	nw, nh := maxDim, maxDim
	if w >= h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// localize returns a readable path for ref. Remote images are downloaded
// into a temp file that cleanup removes.
func (o *Optimizer) localize(ctx context.Context, ref string) (string, func(), error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil, errors.New("empty image reference")
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return strings.TrimPrefix(ref, "file://"), func() {}, nil
	}

	tmp, err := os.CreateTemp(o.cfg.TempDir, "dispatch-media-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if err := o.download(ctx, ref, tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

func (o *Optimizer) download(ctx context.Context, ref string, dst io.Writer) error {
	resp, err := o.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(ref)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("fetch: status %d", resp.StatusCode())
	}
	n, err := io.Copy(dst, io.LimitReader(body, maxSourceBytes+1))
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if n > maxSourceBytes {
		return errTooLarge
	}
	return nil
}

func fileName(ref string) string {
	base := path.Base(strings.SplitN(ref, "?", 2)[0])
	if base == "" || base == "." || base == "/" {
		base = "image"
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".jpg"
}
