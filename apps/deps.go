package apps

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
	"github.com/pawtograder/staging/services/backend/postgrest"
	"github.com/pawtograder/staging/storage/database"
	inmemdb "github.com/pawtograder/staging/storage/database/inmem"
	pgdb "github.com/pawtograder/staging/storage/database/postgres"
)

// Backend is what the apps need from a backend driver.
type Backend interface {
	staging.Backend
	staging.RosterReader
}

// OpenBackend opens the backend named by conf.Backend.Driver.
// The returned func releases it and must be called once the backend is no longer used.
func OpenBackend(ctx context.Context, conf *core.Config) (Backend, func() error, error) {
	nop := func() error { return nil }

	switch conf.Backend.Driver {
	case core.DriverInMem:
		return inmemdb.Open(), nop, nil
	case core.DriverPostgREST:
		return postgrest.New(conf), nop, nil
	case core.DriverPostgres:
		db, err := database.Open(ctx, conf)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening database")
		}
		return pgdb.NewBackend(db), db.Close, nil
	default:
		return nil, nil, NewArgumentError("unknown backend driver: " + conf.Backend.Driver)
	}
}

// PublishOptions maps the publish settings of `conf`.
func PublishOptions(conf *core.Config) staging.PublishOptions {
	return staging.PublishOptions{
		Concurrency:   conf.Publish.Concurrency,
		RatePerSecond: conf.Publish.RatePerSecond,
		Burst:         conf.Publish.Burst,
		Retry: staging.RetryPolicy{
			MaxRetries: conf.Publish.MaxRetries,
			BaseDelay:  conf.Publish.RetryBaseDelay,
			MaxDelay:   conf.Publish.RetryMaxDelay,
		},
	}
}
