package project

import (
	"encoding/json"

	"github.com/taskforge/taskforge/pkg/types"
)

func manifestToJSON(m *types.Manifest) ([]byte, error) { return json.Marshal(m) }

func manifestFromJSON(data []byte) (*types.Manifest, error) {
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
