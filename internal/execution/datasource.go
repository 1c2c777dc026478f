package execution

import (
	"context"

	"github.com/quantfabric/tradecore/internal/schema"
)

// Batch is one unit of market data pulled from a source. Ticks and books are
// each ordered by timestamp within the batch.
type Batch struct {
	Ticks []*schema.Tick
	Books []*schema.OrderbookSnapshot
}

// Empty reports whether the batch carries no data.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Ticks) == 0 && len(b.Books) == 0)
}

// DataSource feeds the controller's main loop. NextBatch returns a nil batch
// with a nil error when the stream has drained naturally; live sources block
// until data arrives or the context ends.
type DataSource interface {
	StartStream(ctx context.Context) error
	NextBatch(ctx context.Context) (*Batch, error)
	StopStream(ctx context.Context) error
	// Progress reports percent complete. Unbounded sources return false.
	Progress() (float64, bool)
}
