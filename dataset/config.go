package dataset

import "fmt"

// DeriveConfig is the default ConfigDeriver. Every config carries "format",
// "path" and "size_bytes"; tree sets add "num_trees" and
// "tree_index_range", tables add "columns" and "num_rows".
func DeriveConfig(h Handle, path string) (map[string]any, error) {
	cfg := map[string]any{
		"format":     string(h.Format()),
		"path":       path,
		"size_bytes": h.SizeBytes(),
	}

	switch v := h.(type) {
	case *TreeSet:
		cfg["num_trees"] = v.Len()
		cfg["tree_index_range"] = []int{0, v.Len() - 1}
	case *Table:
		columns := make([]string, len(v.Columns))
		copy(columns, v.Columns)
		cfg["columns"] = columns
		cfg["num_rows"] = len(v.Rows)
	default:
		return nil, fmt.Errorf("dataset: no config for handle type %T", h)
	}
	return cfg, nil
}
