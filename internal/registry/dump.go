package registry

import (
	"encoding/csv"
	"io"
	"strings"
)

// Dump writes the registry back out in the same column format Load
// expects, in catalog load order. Used to verify the round-trip
// property of spec.md §8: load → dump → load yields an equivalent
// registry.
func (r *Registry) Dump(w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(requiredColumns); err != nil {
		return err
	}

	for _, id := range r.order {
		d := r.byID[id]
		row := []string{
			d.AgentID,
			d.DisplayName,
			string(d.Layer),
			d.Category,
			strings.Join(d.Capabilities, ","),
			d.EscalationTo,
			string(d.HealthStatus),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return writer.Error()
}
