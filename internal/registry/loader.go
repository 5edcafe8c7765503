package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/owulveryck/agentplatform/internal/idgen"
)

var requiredColumns = []string{"agent_id", "display_name", "layer", "category", "capabilities", "escalation_to", "health_status"}

// LoadFile opens path and parses it as an agent catalog, per spec.md §6.
func LoadFile(path string, logger *slog.Logger) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer f.Close()
	return Load(f, logger)
}

// Load parses, deduplicates, and validates a catalog read from r, then
// builds the indexed Registry. Duplicate agent_id rows are resolved
// first-wins, with a diagnostic logged for every discard.
func Load(r io.Reader, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrLoadFailed, err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIdx[col]; !ok {
			return nil, fmt.Errorf("%w: missing required column %q", ErrLoadFailed, col)
		}
	}

	byID := make(map[string]*Descriptor)
	var order []string
	rowNum := 1

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrLoadFailed, rowNum, err)
		}
		rowNum++

		d, err := parseRow(row, colIdx, header)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrLoadFailed, rowNum, err)
		}

		if existing, dup := byID[d.AgentID]; dup {
			logger.Warn("registry: discarding duplicate agent_id row, first wins",
				"agent_id", d.AgentID,
				"kept_fingerprint", fingerprint(existing),
				"discarded_fingerprint", fingerprint(d))
			continue
		}
		byID[d.AgentID] = d
		order = append(order, d.AgentID)
	}

	if err := validateEscalationGraph(byID); err != nil {
		return nil, err
	}

	return build(byID, order), nil
}

func parseRow(row []string, colIdx map[string]int, header []string) (*Descriptor, error) {
	get := func(col string) string {
		i, ok := colIdx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	agentID := get("agent_id")
	if agentID == "" {
		return nil, fmt.Errorf("empty agent_id")
	}

	layer := Layer(get("layer"))
	if !layer.Valid() {
		return nil, fmt.Errorf("agent_id %s: invalid layer %q", agentID, layer)
	}

	health := HealthStatus(get("health_status"))
	if health == "" {
		health = HealthUnknown
	}

	var capabilities []string
	if raw := get("capabilities"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				capabilities = append(capabilities, tok)
			}
		}
	}

	metadata := make(map[string]string)
	known := make(map[string]struct{}, len(requiredColumns))
	for _, c := range requiredColumns {
		known[c] = struct{}{}
	}
	for _, col := range header {
		col = strings.TrimSpace(col)
		if _, isKnown := known[col]; isKnown {
			continue
		}
		metadata[col] = get(col)
	}

	return &Descriptor{
		AgentID:      agentID,
		DisplayName:  get("display_name"),
		Layer:        layer,
		Category:     get("category"),
		Capabilities: capabilities,
		EscalationTo: get("escalation_to"),
		HealthStatus: health,
		Metadata:     metadata,
	}, nil
}

// validateEscalationGraph rejects dangling escalation_to references and
// cycles, and enforces that every escalation chain sinks at an L1_Root
// descriptor.
func validateEscalationGraph(byID map[string]*Descriptor) error {
	for id, d := range byID {
		if d.EscalationTo == "" {
			if d.Layer != LayerRoot {
				return fmt.Errorf("%w: descriptor %s has no escalation_to but is not L1_Root", ErrLoadFailed, id)
			}
			continue
		}
		if _, ok := byID[d.EscalationTo]; !ok {
			return fmt.Errorf("%w: descriptor %s escalates to unknown agent_id %s", ErrLoadFailed, id, d.EscalationTo)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	// visit walks the escalation chain depth-first, tracking the actual
	// parent edge so a detected cycle's diagnostic names the two distinct
	// descriptors whose escalation_to link closes it, not just the
	// traversal's original starting point.
	var visit func(id, parent string) error
	visit = func(id, parent string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			if parent == "" {
				parent = id
			}
			return fmt.Errorf("%w: escalation cycle detected involving %s and %s", ErrLoadFailed, parent, id)
		}
		color[id] = gray
		d := byID[id]
		if d.EscalationTo != "" {
			if err := visit(d.EscalationTo, id); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range byID {
		if color[id] == white {
			if err := visit(id, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// fingerprint produces a deterministic content digest for a descriptor,
// used only for diagnostics (not identity — agent_id is identity).
func fingerprint(d *Descriptor) string {
	return idgen.ContentHash([]byte(fmt.Sprintf("%s|%s|%s|%s", d.AgentID, d.DisplayName, d.Layer, d.Category)))
}
