package grafana

import (
	"encoding/json"
	"fmt"
)

// BindDatasource parses a dashboard template, removes any embedded id (so the
// import creates or overwrites instead of colliding with a stale id) and
// points every panel and every panel target at the given datasource by its
// stable {type, uid} pair. The rest of the document passes through untouched.
func BindDatasource(raw []byte, dsType, dsUID string) (map[string]any, error) {
	var dash map[string]any
	if err := json.Unmarshal(raw, &dash); err != nil {
		return nil, fmt.Errorf("parse dashboard: %w", err)
	}

	delete(dash, "id")

	ref := map[string]any{"type": dsType, "uid": dsUID}

	panels, ok := dash["panels"].([]any)
	if !ok {
		return dash, nil
	}
	for _, p := range panels {
		panel, ok := p.(map[string]any)
		if !ok {
			continue
		}
		panel["datasource"] = ref

		targets, ok := panel["targets"].([]any)
		if !ok {
			continue
		}
		for _, t := range targets {
			if target, ok := t.(map[string]any); ok {
				target["datasource"] = ref
			}
		}
	}

	return dash, nil
}
