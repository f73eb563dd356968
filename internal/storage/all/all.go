// Package all registers every relational backend with internal/storage.
package all

import (
	_ "catalogetl/internal/storage/mssql"
	_ "catalogetl/internal/storage/postgres"
	_ "catalogetl/internal/storage/sqlite"
)
