package store

import "fmt"

// Driver selects which backend New constructs.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// New opens a Store for the given driver. For DriverSQLite dsn is a
// filesystem path; for DriverPostgres it is a full connection string.
func New(driver Driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgresStore(dsn)
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
