package shardindex

// Schema defines the shard-level index tables; CREATE TABLE IF NOT EXISTS
// makes opening an existing collection DB and a fresh one the same code
// path.
const schema = `
CREATE TABLE IF NOT EXISTS domain_shards (
	source_path      VARCHAR,
	collection       VARCHAR,
	year             VARCHAR,
	shard_file       VARCHAR,
	parquet_relpath  VARCHAR,
	host             VARCHAR,
	host_rev         VARCHAR
);

CREATE TABLE IF NOT EXISTS parquet_rowgroups (
	parquet_relpath  VARCHAR,
	row_group        BIGINT,
	row_start        BIGINT,
	row_end          BIGINT,
	host_rev_min     VARCHAR,
	host_rev_max     VARCHAR
);

CREATE TABLE IF NOT EXISTS ingested_files (
	path        VARCHAR PRIMARY KEY,
	size_bytes  BIGINT,
	mtime_ns    BIGINT,
	ingested_at TIMESTAMP,
	rows        BIGINT
);
`

// indexes are created separately from the table DDL because DuckDB's
// CREATE INDEX IF NOT EXISTS support is version-sensitive; ensureSchema runs
// each statement on its own and returns the first one that fails.
var indexStatements = []string{ //nolint:gochecknoglobals
	"CREATE INDEX IF NOT EXISTS idx_domain_shards_host_rev ON domain_shards(host_rev)",
	"CREATE INDEX IF NOT EXISTS idx_domain_shards_host ON domain_shards(host)",
	"CREATE INDEX IF NOT EXISTS idx_domain_shards_collection ON domain_shards(collection)",
	"CREATE INDEX IF NOT EXISTS idx_parquet_rowgroups_range ON parquet_rowgroups(host_rev_min, host_rev_max)",
}
