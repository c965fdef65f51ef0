package ingest

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

var checksumTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// BatchChecksum computes the CRC16/CCITT-FALSE checksum of a sync batch in
// the order the caller supplied it, hex-encoded. Device firmware computes
// the same value over its buffered samples before uploading.
func BatchChecksum(readings []BatchReading) string {
	var b strings.Builder
	for _, r := range readings {
		fmt.Fprintf(&b, "%d|%.3f|%.3f|%.3f\n",
			r.Timestamp.Unix(), r.Voltage, r.Current, r.Power)
	}
	return fmt.Sprintf("%04x", crc16.Checksum([]byte(b.String()), checksumTable))
}
