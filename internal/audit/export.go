package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xtrntr/fairlaunch/internal/models"
)

var csvHeader = []string{"seq", "kind", "ref_id", "timestamp", "tx_hash", "detail"}

// WriteCSV exports the events matching f, one row per event.
func (t *Trail) WriteCSV(w io.Writer, f Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for ev, err := range t.Query(f) {
		if err != nil {
			return fmt.Errorf("failed to read audit events: %w", err)
		}
		if err := cw.Write(csvRow(ev)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(ev models.AuditEvent) []string {
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		if k != "txHash" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ev.Detail[k])
	}
	return []string{
		strconv.FormatUint(ev.Seq, 10),
		ev.Kind,
		ev.RefID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Detail["txHash"],
		strings.Join(parts, ";"),
	}
}
