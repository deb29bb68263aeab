// Package ccrow defines the in-memory CDX row shape and the host_rev
// derivation every other package in the pipeline agrees on.
package ccrow

import (
	"strings"
)

// Row is one parsed CDX capture record.
type Row struct {
	SURT         string `parquet:"surt"`
	Timestamp    string `parquet:"ts"`
	URL          string `parquet:"url"`
	Host         string `parquet:"host"`
	HostRev      string `parquet:"host_rev"`
	Status       int32  `parquet:"status"`
	MIME         string `parquet:"mime"`
	Digest       string `parquet:"digest"`
	WARCFilename string `parquet:"warc_filename"`
	WARCOffset   int64  `parquet:"warc_offset"`
	WARCLength   int64  `parquet:"warc_length"`
	Collection   string `parquet:"collection"`
	ShardFile    string `parquet:"shard_file"`
}

// ReverseHost derives host_rev from a hostname: lowercase, dot-split, no
// trailing empty label, comma-joined labels in reverse order. Every
// component that reads or writes host_rev must agree on this rule, since it
// is the sort/search key the whole pruning contract depends on.
//
// "www.example.gov" -> "gov,example,www"
func ReverseHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return ""
	}

	labels := strings.Split(host, ".")

	reversed := make([]string, len(labels))
	for i, label := range labels {
		reversed[len(labels)-1-i] = label
	}

	return strings.Join(reversed, ",")
}

// PrefixUpperBound returns the upper bound for the `host_rev BETWEEN HR AND
// PrefixUpperBound(HR)` range scan that matches D and every subdomain of D.
// "~" sorts after every character host_rev is built from (lowercase alnum,
// '.', ',', '-'), so the range captures the whole subtree rooted at HR.
func PrefixUpperBound(hostRev string) string {
	return hostRev + "~"
}
