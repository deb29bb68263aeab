package shardcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func FuzzParseLine(f *testing.F) {
	tests := []string{
		"",
		"helloworld",
		"gov,whitehouse)/ 20240115000000",
		`gov,whitehouse)/ 20240115000000 {"url":"https://www.whitehouse.gov/","status":"200","mime":"text/html","digest":"ABC123","filename":"CC-MAIN-20240115-00001.warc.gz","offset":"1000","length":"500"}`,
		`gov,senate)/ 20240116000000 {"url":"not json here`,
		`gov,senate)/ 20240117000000 {"url":"https://www.senate.gov/page","status":"-","mime":"warc/revisit","digest":"DEF456","filename":"CC-MAIN-20240117-00002.warc.gz","offset":"2000","length":"300"}`,
		`gov,example)/ 20240118000000 {"url":"https://example.gov/","filename":"c.warc.gz","offset":"notanumber","length":"1"}`,
		`gov,example)/ 20240118000000 {"filename":"c.warc.gz","offset":"1","length":"1"}`,
	}

	for _, tc := range tests {
		f.Add(tc)
	}

	f.Fuzz(func(t *testing.T, line string) {
		row, err := parseLine(line, "CC-MAIN-2024-10", "cdx-00001.gz")
		if err != nil {
			var malformed *ErrMalformedLine
			require.ErrorAs(t, err, &malformed)

			return
		}

		// An accepted row always carries a complete WARC pointer and the
		// collection and shard it was decoded for.
		assert.NotEmpty(t, row.URL)
		assert.NotEmpty(t, row.Host)
		assert.NotEmpty(t, row.WARCFilename)
		assert.Equal(t, "CC-MAIN-2024-10", row.Collection)
		assert.Equal(t, "cdx-00001.gz", row.ShardFile)
	})
}
