package activity

import (
	"encoding/json"
	"fmt"
)

// Details is the typed payload attached to an Event. The set of variants is
// closed: GitOperation, UnauthorizedAccess and the Other escape hatch.
type Details interface {
	detailsKind() string
}

// GitOperation describes a clone, pull, push, commit, checkout or access.
type GitOperation struct {
	RepositoryPath   string   `json:"repositoryPath,omitempty"`
	OriginalLocation string   `json:"originalLocation,omitempty"`
	Files            []string `json:"files,omitempty"`
	Command          string   `json:"command,omitempty"`
}

// UnauthorizedAccess records a blocked or flagged access attempt.
type UnauthorizedAccess struct {
	RepositoryPath string   `json:"repositoryPath,omitempty"`
	Reason         string   `json:"reason"`
	Indicators     []string `json:"indicators,omitempty"`
	RiskLevel      string   `json:"riskLevel,omitempty"`
}

// Other carries details of a shape the core does not interpret.
type Other map[string]string

func (GitOperation) detailsKind() string       { return "git" }
func (UnauthorizedAccess) detailsKind() string { return "unauthorized" }
func (Other) detailsKind() string              { return "other" }

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetails encodes d with its variant tag for storage.
func MarshalDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: d.detailsKind(), Data: data})
}

// UnmarshalDetails decodes a payload produced by MarshalDetails.
func UnmarshalDetails(raw []byte) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "git":
		var g GitOperation
		err := json.Unmarshal(env.Data, &g)
		return g, err
	case "unauthorized":
		var u UnauthorizedAccess
		err := json.Unmarshal(env.Data, &u)
		return u, err
	case "other":
		var o Other
		err := json.Unmarshal(env.Data, &o)
		return o, err
	default:
		return nil, fmt.Errorf("activity: unknown details kind %q", env.Kind)
	}
}
