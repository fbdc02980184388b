package packconfig

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/gacha"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
)

var _ gacha.TableSource = (*Registry)(nil)

// CatalogSink receives item definitions after every load.
type CatalogSink interface {
	UpsertCatalog(ctx context.Context, items []gacha.ItemCatalogEntry) error
}

// Registry serves the current rarity table and swaps it on reload.
type Registry struct {
	loader  *Loader
	catalog CatalogSink
	log     logger.Logger
	metrics *metrics.EngineMetrics

	mu       sync.Mutex // serializes reloads
	table    atomic.Pointer[gacha.RarityTable]
	versions atomic.Pointer[map[string]string]
}

type Option func(*Registry)

func WithCatalogSink(s CatalogSink) Option { return func(r *Registry) { r.catalog = s } }

func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.log = l.Named("packconfig") }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry performs the first load. It fails when no pack is valid.
func NewRegistry(ctx context.Context, loader *Loader, opts ...Option) (*Registry, error) {
	r := &Registry{loader: loader, log: logger.NewNop()}
	for _, o := range opts {
		o(r)
	}
	if err := r.Reload(ctx); err != nil && r.table.Load() == nil {
		return nil, err
	}
	return r, nil
}

// Table returns the table currently in effect.
func (r *Registry) Table() *gacha.RarityTable { return r.table.Load() }

// Version returns the config version a pack was loaded from.
func (r *Registry) Version(pack string) string {
	if v := r.versions.Load(); v != nil {
		return (*v)[pack]
	}
	return ""
}

// Reload reads the files again. Valid packs replace the table even when
// others are refused; a load with no valid pack keeps the old table.
// Items are upserted into the catalog sink.
func (r *Registry) Reload(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.metrics.RecordConfigReload(err) }()

	b, loadErr := r.loader.Load()
	tbl, tblErr := gacha.NewRarityTable(b.Packs...)
	err = configError(nonNil(loadErr, tblErr))
	if len(tbl.PackNames()) == 0 {
		r.log.Error("config reload produced no usable pack, keeping previous table", "error", err)
		if err == nil {
			err = errors.Mark(errors.New("no usable pack"), gacha.ErrConfig)
		}
		return err
	}
	if err != nil {
		r.log.Warn("config reload refused some entries", "error", err)
	}
	r.table.Store(tbl)
	versions := b.Versions
	r.versions.Store(&versions)
	r.log.Info("pack table loaded", "packs", tbl.PackNames(), "items", len(b.Items))

	if r.catalog != nil && len(b.Items) > 0 {
		if cerr := r.catalog.UpsertCatalog(ctx, b.Items); cerr != nil {
			r.log.Error("catalog upsert failed", "error", cerr)
			err = errors.CombineErrors(err, errors.Wrap(cerr, "upsert catalog"))
		}
	}
	return err
}

func nonNil(errs ...error) []error {
	out := errs[:0]
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
