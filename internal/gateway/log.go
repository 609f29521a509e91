package gateway

import (
	"context"

	"go.uber.org/zap"
)

// LogClient only logs sends. It backs `gateway.enabled: false` for dry runs.
type LogClient struct {
	log *zap.Logger
}

func NewLogClient(log *zap.Logger) *LogClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogClient{log: log.Named("gateway.dry_run")}
}

func (c *LogClient) SendText(_ context.Context, phone, text string) Result {
	c.log.Info("send text", zap.String("phone", phone), zap.Int("len", len(text)))
	return ok()
}

func (c *LogClient) SendMedia(_ context.Context, phone string, media Media, caption string) Result {
	c.log.Info("send media",
		zap.String("phone", phone),
		zap.Bool("inline", media.Inline()),
		zap.Int("bytes", len(media.Data)),
		zap.String("url", media.URL),
		zap.Int("caption_len", len(caption)),
	)
	return ok()
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*LogClient)(nil)
)
