package dotprops

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// defaultTangentK is the PCA neighborhood used when a serialized cloud
// carries bare points without tangents.
const defaultTangentK = 5

// dotpropsJSON is the wire form used by the CLI and the HTTP API. Tangents
// and alpha are optional: bare points are rebuilt with a local PCA over K
// neighbors (defaultTangentK when omitted).
type dotpropsJSON struct {
	ID         string             `json:"id"`
	Points     []Point            `json:"points"`
	Vects      []Vec              `json:"vects,omitempty"`
	Alpha      []float64          `json:"alpha,omitempty"`
	Connectors map[string][]Point `json:"connectors,omitempty"`
	K          int                `json:"k,omitempty"`
}

// MarshalJSON serializes the cloud with sonic.
func (dp *Dotprops) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(dotpropsJSON{
		ID:         dp.ID,
		Points:     dp.Points,
		Vects:      dp.Vects,
		Alpha:      dp.Alpha,
		Connectors: dp.Connectors,
	})
}

// UnmarshalJSON rebuilds a cloud, deriving tangents when absent.
func (dp *Dotprops) UnmarshalJSON(raw []byte) error {
	var j dotpropsJSON
	if err := sonic.Unmarshal(raw, &j); err != nil {
		return err
	}
	if len(j.Points) == 0 && len(j.Connectors) > 0 {
		// Synapse-only cloud: valid for SynBlast scoring.
		dp.ID = j.ID
		dp.Points, dp.Vects, dp.Alpha = nil, nil, nil
		dp.Connectors = j.Connectors
		return nil
	}
	var (
		built *Dotprops
		err   error
	)
	if len(j.Vects) > 0 {
		built, err = FromOriented(j.ID, j.Points, j.Vects, j.Alpha)
	} else {
		k := j.K
		if k == 0 {
			k = defaultTangentK
		}
		built, err = New(j.ID, j.Points, k)
	}
	if err != nil {
		return fmt.Errorf("dotprops json: %w", err)
	}
	dp.ID = built.ID
	dp.Points = built.Points
	dp.Vects = built.Vects
	dp.Alpha = built.Alpha
	dp.Connectors = j.Connectors
	return nil
}
