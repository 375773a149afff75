package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusPulled, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
	assert.False(t, JobStatus("LOST").Valid())
}

func TestSamplingJSON(t *testing.T) {
	var md UserMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"tag":"t","sampling":37,"seed":1}`), &md))
	assert.Equal(t, Sampling{ID: 37}, md.Sampling)

	require.NoError(t, json.Unmarshal([]byte(`{"sampling":"IS"}`), &md))
	assert.Equal(t, ImportanceSampling, md.Sampling)

	assert.Error(t, json.Unmarshal([]byte(`{"sampling":"half"}`), &md))

	out, err := json.Marshal(UserMetadata{Sampling: ImportanceSampling})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"sampling":"IS"`)

	out, err = json.Marshal(UserMetadata{Sampling: Sampling{ID: 5}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"sampling":5`)
}

func TestSamplingYAML(t *testing.T) {
	var v struct {
		Sampling Sampling `yaml:"sampling"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("sampling: 12\n"), &v))
	assert.Equal(t, Sampling{ID: 12}, v.Sampling)

	require.NoError(t, yaml.Unmarshal([]byte("sampling: IS\n"), &v))
	assert.Equal(t, ImportanceSampling, v.Sampling)
	assert.Equal(t, "IS", v.Sampling.String())
}

func TestParseReplicaOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, r *ReplicaOutput)
	}{
		{
			name: "object",
			raw:  `{"error": null, "weight": 1.5e6, "length": 3000, "muons": 4, "muons_w": 2.5}`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.False(t, r.Failed())
				assert.Equal(t, 1.5e6, *r.Weight)
				assert.Equal(t, int64(4), *r.Muons)
				assert.Equal(t, 2.5, *r.MuonsW)
			},
		},
		{
			name: "non authoritative replica",
			raw:  `{"error": null, "weight": null, "length": null, "muons": 2.0, "muons_w": 0.5}`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.Nil(t, r.Weight)
				assert.Nil(t, r.Length)
				assert.Equal(t, int64(2), *r.Muons)
			},
		},
		{
			name: "json string",
			raw:  `"{\"error\": \"geant crashed\"}"`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.True(t, r.Failed())
				assert.Equal(t, "geant crashed", *r.Error)
			},
		},
		{
			name: "legacy list",
			raw:  `["stdout:log=ok", "variable:result={\"error\": null, \"weight\": 10, \"length\": 2, \"muons\": 1, \"muons_w\": 1}"]`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.Equal(t, 10.0, *r.Weight)
			},
		},
		{
			name: "extra fields ignored",
			raw:  `{"error": null, "muons": 0, "muons_w": 0, "args": ["--seed", "1"], "status": "ok"}`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.Equal(t, int64(0), *r.Muons)
			},
		},
		{
			name: "empty error string",
			raw:  `{"error": "", "muons": 1, "muons_w": -50}`,
			check: func(t *testing.T, r *ReplicaOutput) {
				assert.True(t, r.Failed())
			},
		},
		{name: "empty", raw: ``, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "legacy without variable", raw: `["stdout:log=ok"]`, wantErr: true},
		{name: "fractional muons", raw: `{"muons": 1.5}`, wantErr: true},
		{name: "negative weight", raw: `{"error": null, "weight": -1}`, wantErr: true},
		{name: "negative muons_w", raw: `{"muons": 1, "muons_w": -50}`, wantErr: true},
		{name: "wrong type", raw: `{"weight": "heavy"}`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReplicaOutput(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestParsePointResult(t *testing.T) {
	p, err := ParsePointResult(json.RawMessage(`{"params":[1,2],"loss":5.5,"weight":2e6,"length":3,"muons":7,"muons_w":4}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, p.Params)
	assert.Equal(t, 5.5, p.Loss)

	p, err = ParsePointResult(json.RawMessage(`"{\"loss\": 1e8, \"muons\": null}"`))
	require.NoError(t, err)
	assert.Equal(t, 1e8, p.Loss)
	assert.Nil(t, p.Muons)

	_, err = ParsePointResult(json.RawMessage(`[1]`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestJobValidate(t *testing.T) {
	assert.NoError(t, (&Job{ID: "1", Status: StatusRunning}).Validate())
	assert.ErrorIs(t, (&Job{Status: StatusRunning}).Validate(), ErrParse)
	assert.ErrorIs(t, (&Job{ID: "1", Status: "LOST"}).Validate(), ErrParse)
}
