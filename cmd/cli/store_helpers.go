package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/store"
)

// StoreOperation represents a function that operates on an open store.
type StoreOperation func(context.Context, *config.Config, store.Store) error

// withStore loads the configuration, opens the configured store backend
// and runs operation against it, closing the store afterwards.
func withStore(ctx context.Context, operation StoreOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	st, err := store.Open(openCtx, cfg.StoreOptions())
	cancel()
	if err != nil {
		return fmt.Errorf("error opening %s store: %w", cfg.Store.Backend, err)
	}

	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, st)
}
