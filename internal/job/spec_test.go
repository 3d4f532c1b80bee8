package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebookrunner/internal/schedule"
)

func validSpec() Spec {
	return Spec{
		APIURL:      "http://prefect.local:4200/api",
		Name:        "weekly-sales",
		NotebookURL: "https://hub.example.com/notebooks/sales.ipynb",
		Queue:       "reports",
		Schedule:    "0 9 * * MON",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Spec)
		field  string
	}{
		{name: "ok", mutate: func(*Spec) {}},
		{name: "missing api url", mutate: func(s *Spec) { s.APIURL = "" }, field: "api_url"},
		{name: "ftp api url", mutate: func(s *Spec) { s.APIURL = "ftp://x/api" }, field: "api_url"},
		{name: "relative notebook", mutate: func(s *Spec) { s.NotebookURL = "/nb.ipynb" }, field: "notebook_url"},
		{name: "blank name", mutate: func(s *Spec) { s.Name = "  " }, field: "name"},
		{name: "blank queue", mutate: func(s *Spec) { s.Queue = "" }, field: "queue"},
		{name: "bad schedule", mutate: func(s *Spec) { s.Schedule = "whenever" }, field: "schedule"},
		{name: "bad timezone", mutate: func(s *Spec) { s.Timezone = "Nowhere/Else" }, field: "schedule"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSpec()
			tt.mutate(&s)
			sch, err := s.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, schedule.KindCron, sch.Kind)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseParams(t *testing.T) {
	t.Parallel()
	got, err := ParseParams([]string{"region=emea", "limit=10", "dry=true", `tags=["a","b"]`, "note=hello world", "empty="})
	require.NoError(t, err)

	assert.Equal(t, "emea", got["region"])
	assert.Equal(t, json.Number("10"), got["limit"])
	assert.Equal(t, true, got["dry"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
	assert.Equal(t, "hello world", got["note"])
	assert.Equal(t, "", got["empty"])

	_, err = ParseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseParams([]string{"=x"})
	assert.Error(t, err)

	none, err := ParseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMergeParams(t *testing.T) {
	t.Parallel()
	got, err := MergeParams(`{"region":"apac","limit":5}`, []string{"region=emea"})
	require.NoError(t, err)
	assert.Equal(t, "emea", got["region"])
	assert.Equal(t, json.Number("5"), got["limit"])

	_, err = MergeParams(`[1,2]`, nil)
	assert.Error(t, err)

	empty, err := MergeParams("", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
