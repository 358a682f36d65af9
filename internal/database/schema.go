package database

import "context"

// InitSchema loads the embedded schema into an empty database. The
// iot_meta_data table doubles as the marker: when it exists the
// schema has already been applied and the call is a no-op.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'iot_meta_data')`,
	).Scan(&applied)
	if err != nil {
		return err
	}
	if applied {
		db.log.Debug().Msg("schema already initialized")
		return nil
	}

	db.log.Info().Msg("empty database, applying schema")
	if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied")
	return nil
}
