// ABOUTME: Store-level configuration accepted by Open
// ABOUTME: Mirrors the teacher's plain-struct-literal configuration idiom rather than a flag/env parser

package digby

import (
	"github.com/markmckeown/digby/internal/logger"
	"github.com/markmckeown/digby/internal/metrics"
	"github.com/markmckeown/digby/pkg/page"
)

// Options configures a new or reopened Database. The zero value is a
// usable default: page_size 4096, no compression, no encryption.
type Options struct {
	PageSize      int
	Compressor    page.Compressor
	EncryptionKey []byte // 16 bytes for AES-128-GCM, nil to disable encryption

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.Logger == nil {
		o.Logger = logger.GetGlobalLogger()
	}
	return o
}
