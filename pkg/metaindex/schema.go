package metaindex

// schema is shared by year DBs and the master DB: both carry one table
// shaped (host_rev, child_db_relpath, collection, year), differing only in
// what child_db_relpath points at (a collection DB for year-level tables, a
// year DB for the master table).
const schema = `
CREATE TABLE IF NOT EXISTS meta_index (
	host_rev         VARCHAR,
	child_db_relpath VARCHAR,
	collection       VARCHAR,
	year             VARCHAR
);

CREATE TABLE IF NOT EXISTS build_sources (
	source_relpath VARCHAR PRIMARY KEY,
	mtime_ns       BIGINT
);
`

const indexStatement = "CREATE INDEX IF NOT EXISTS idx_meta_index_host_rev ON meta_index(host_rev)"
