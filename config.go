package rawbuf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/holmberd/go-rawbuf/internal/layout"
)

type Config struct {
	// MaxBytes is the largest allocation, in bytes, a buffer may request.
	// Requests above it fail with ErrCapacityOverflow before reaching the allocator.
	// It must be between 0 and layout.MaxSize; smaller values model narrower
	// address spaces or cap the footprint of a single buffer.
	MaxBytes int

	Logger *slog.Logger // Logger for relocations and invariant violations.
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxBytes < 0 || c.MaxBytes > layout.MaxSize {
		errs = append(errs, fmt.Errorf("invalid config: MaxBytes %d must be between 0 and %d", c.MaxBytes, layout.MaxSize))
	}
	if c.Logger == nil {
		errs = append(errs, errors.New("invalid config: Logger must not be nil"))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		MaxBytes: layout.MaxSize, // Bounded only by the signed size range.
		Logger:   slog.Default(),
	}
}
