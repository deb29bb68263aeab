package shardcodec

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalbasit/ccindex/pkg/ccrow"
)

// cdxTail is the JSON object trailing the SURT+timestamp on a CDX line.
// Common Crawl's CDX tail uses "filename"/"offset"/"length" for the WARC
// pointer; "status"/"mime"/"digest" are carried through verbatim.
type cdxTail struct {
	URL      string `json:"url"`
	Status   string `json:"status"`
	MIME     string `json:"mime"`
	Digest   string `json:"digest"`
	Filename string `json:"filename"`
	Offset   string `json:"offset"`
	Length   string `json:"length"`
}

// ErrMalformedLine is returned by parseLine for any line that fails to
// decode into a complete row. The caller (ConvertShard) counts these and
// continues; it never aborts the shard over a single bad line.
type ErrMalformedLine struct {
	Line   string
	Reason string
}

func (e *ErrMalformedLine) Error() string {
	return fmt.Sprintf("malformed CDX line (%s): %.120q", e.Reason, e.Line)
}

// parseLine parses one CDX line ("<SURT> <timestamp> <json-tail>") into a
// row, deriving host and host_rev from the tail's url field.
func parseLine(line, collection, shardFile string) (ccrow.Row, error) {
	surt, ts, tail, err := splitLine(line)
	if err != nil {
		return ccrow.Row{}, err
	}

	var ct cdxTail
	if err := json.Unmarshal([]byte(tail), &ct); err != nil {
		return ccrow.Row{}, &ErrMalformedLine{Line: line, Reason: "invalid JSON tail: " + err.Error()}
	}

	if ct.URL == "" || ct.Filename == "" {
		return ccrow.Row{}, &ErrMalformedLine{Line: line, Reason: "missing required field (url or filename)"}
	}

	u, err := url.Parse(ct.URL)
	if err != nil || u.Hostname() == "" {
		return ccrow.Row{}, &ErrMalformedLine{Line: line, Reason: "unparseable url"}
	}

	offset, err := strconv.ParseInt(ct.Offset, 10, 64)
	if err != nil {
		return ccrow.Row{}, &ErrMalformedLine{Line: line, Reason: "invalid offset"}
	}

	length, err := strconv.ParseInt(ct.Length, 10, 64)
	if err != nil {
		return ccrow.Row{}, &ErrMalformedLine{Line: line, Reason: "invalid length"}
	}

	status, _ := strconv.ParseInt(ct.Status, 10, 32) //nolint:errcheck // absent/"-" status is legal, defaults to 0

	host := strings.ToLower(u.Hostname())

	return ccrow.Row{
		SURT:         surt,
		Timestamp:    ts,
		URL:          ct.URL,
		Host:         host,
		HostRev:      ccrow.ReverseHost(host),
		Status:       int32(status),
		MIME:         ct.MIME,
		Digest:       ct.Digest,
		WARCFilename: ct.Filename,
		WARCOffset:   offset,
		WARCLength:   length,
		Collection:   collection,
		ShardFile:    shardFile,
	}, nil
}

// splitLine splits "<SURT> <timestamp> <json>" into its three parts.
func splitLine(line string) (surt, ts, tail string, err error) {
	first := strings.IndexByte(line, ' ')
	if first < 0 {
		return "", "", "", &ErrMalformedLine{Line: line, Reason: "no fields"}
	}

	rest := line[first+1:]

	second := strings.IndexByte(rest, ' ')
	if second < 0 {
		return "", "", "", &ErrMalformedLine{Line: line, Reason: "missing JSON tail"}
	}

	surt = line[:first]
	ts = rest[:second]
	tail = rest[second+1:]

	if surt == "" || ts == "" || tail == "" {
		return "", "", "", &ErrMalformedLine{Line: line, Reason: "empty field"}
	}

	return surt, ts, tail, nil
}
