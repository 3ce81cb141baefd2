package zfrag

// Config holds the sizing and policy parameters the Fragment subsystem
// needs: granule size, page size classes, and worker concurrency.
// Mirrors the teacher's Env geometry fields (env.go's geoLower/geoUpper
// /geoGrow) in spirit — a plain struct populated via functional
// options rather than parsed from a config file, since none of the
// pack's domain teachers read GC tuning from a file either.
type Config struct {
	// GranuleSize is the fundamental alignment unit (spec.md §3); also
	// the size of a small page.
	GranuleSize uint64

	// MediumPageGranules is how many granules make up a medium page.
	MediumPageGranules uint64

	// OffsetMax bounds the address-offset space the FragmentTable
	// indexes (spec.md §3 "OFFSET_MAX").
	OffsetMax uint64

	// WorkerCount is the number of goroutines the Relocator's worker
	// pool runs (spec.md §5 "multiple parallel worker threads").
	WorkerCount int

	// DestinationReservationFactor scales the worst-case live-bytes
	// estimate used to pre-reserve destination pages (spec.md §7
	// option (a)); 1.0 means "exactly the old page's size".
	DestinationReservationFactor float64

	// Colorer strips/applies load-barrier color bits. Defaults to
	// DefaultColorer.
	Colorer Colorer
}

// Option configures a Config.
type Option func(*Config)

// WithGranuleSize overrides the granule size (default 2 MiB).
func WithGranuleSize(size uint64) Option {
	return func(c *Config) { c.GranuleSize = size }
}

// WithMediumPageGranules overrides how many granules form a medium
// page (default 16, i.e. 32 MiB at the default granule size).
func WithMediumPageGranules(n uint64) Option {
	return func(c *Config) { c.MediumPageGranules = n }
}

// WithOffsetMax overrides the address-offset space size indexed by
// the FragmentTable.
func WithOffsetMax(max uint64) Option {
	return func(c *Config) { c.OffsetMax = max }
}

// WithWorkerCount overrides the relocator worker pool size (default 1;
// zero or a negative count also means 1).
func WithWorkerCount(n int) Option {
	return func(c *Config) { c.WorkerCount = n }
}

// WithDestinationReservationFactor overrides the pre-reservation
// safety margin applied when budgeting destination pages.
func WithDestinationReservationFactor(f float64) Option {
	return func(c *Config) { c.DestinationReservationFactor = f }
}

// WithColorer overrides the address colorer.
func WithColorer(c2 Colorer) Option {
	return func(c *Config) { c.Colorer = c2 }
}

// NewConfig builds a Config from options, applying defaults first.
func NewConfig(opts ...Option) Config {
	cfg := Config{}
	cfg = cfg.withDefaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.withDefaults()
}

// withDefaults fills any zero-valued field with its default, so a
// caller can build a Config by hand without calling every With*.
func (c Config) withDefaults() Config {
	if c.GranuleSize == 0 {
		c.GranuleSize = DefaultGranuleSize
	}
	if c.MediumPageGranules == 0 {
		c.MediumPageGranules = DefaultMediumPageGranules
	}
	if c.OffsetMax == 0 {
		c.OffsetMax = c.GranuleSize * 1 << 20 // a generous default offset space
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.DestinationReservationFactor <= 0 {
		c.DestinationReservationFactor = 1.0
	}
	if c.Colorer == nil {
		c.Colorer = DefaultColorer
	}
	return c
}

// GranuleShift returns log2(GranuleSize), assuming GranuleSize is a
// power of two as spec.md §3 requires.
func (c Config) GranuleShift() uint {
	shift := uint(0)
	for (uint64(1) << shift) < c.GranuleSize {
		shift++
	}
	return shift
}
