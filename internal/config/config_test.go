package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
remote_repository:
  url: "https://example.com/repo.git"
targets:
  demo:
    benchmarking_command: run_demo
benchmarking_commands:
  run_demo:
    target_name: demo
    command: ./run.sh
working_directory_pool:
  capacity: 4
queues:
  - file_name: main
    schedule_condition:
      kind: immediately
output_dir:
  path: /tmp/out
`

func TestParseValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/repo.git", cfg.RemoteRepository.URL)
	assert.Equal(t, uint8(4), cfg.WorkingDirectoryPool.Capacity)
	require.Len(t, cfg.Queues, 1)
	assert.Equal(t, Immediately, cfg.Queues[0].ScheduleCondition.Kind)
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	_, err := Parse([]byte(`targets: {}`))
	require.Error(t, err)
}

func TestResolveRef(t *testing.T) {
	table := map[string]BenchmarkingCommand{"a": {TargetName: "t", Command: "c"}}
	v, err := ResolveRef("benchmarking_command", "a", table)
	require.NoError(t, err)
	assert.Equal(t, "t", v.TargetName)

	_, err = ResolveRef("benchmarking_command", "missing", table)
	assert.Error(t, err)
}

func TestJobTemplateExpandWithoutParameterSets(t *testing.T) {
	jt := JobTemplate{Command: "c", CustomParameters: map[string]string{"X": "1"}}
	sets := jt.Expand()
	require.Len(t, sets, 1)
	assert.Equal(t, "1", sets[0]["X"])
}

func TestValidateCustomParameters(t *testing.T) {
	target := Target{
		BenchmarkingCommand: "run",
		AllowedCustomParameters: map[string]CustomParameterType{
			"DATASET":   ParamDirName,
			"THREADS":   ParamNonZeroU32,
			"WARMUP":    ParamBool,
			"LOG_NAME":  ParamFileName,
			"NOTE":      ParamString,
			"BATCHES":   ParamU32,
		},
	}

	require.NoError(t, target.ValidateCustomParameters(map[string]string{
		"DATASET": "d1", "THREADS": "8", "WARMUP": "1", "LOG_NAME": "out.log", "NOTE": "x", "BATCHES": "0",
	}))

	cases := map[string]map[string]string{
		"unknown key":         {"UNKNOWN": "x"},
		"reserved name":       {"COMMIT_ID": "x"},
		"lowercase name":      {"dataset": "x"},
		"zero non-zero u32":   {"THREADS": "0"},
		"non-numeric u32":     {"BATCHES": "many"},
		"bool not 0/1":        {"WARMUP": "true"},
		"filename with slash": {"LOG_NAME": "a/b"},
	}
	for name, params := range cases {
		assert.Errorf(t, target.ValidateCustomParameters(params), "case %q", name)
	}
}

func TestJobTemplateExpandWithParameterSets(t *testing.T) {
	jt := JobTemplate{
		Command:          "c",
		CustomParameters: map[string]string{"BASE": "b"},
		ParameterSets: []CustomParametersSetOpts{
			{Name: "small", CustomParameters: map[string]string{"SIZE": "10"}},
			{Name: "large", CustomParameters: map[string]string{"SIZE": "1000"}},
		},
	}
	sets := jt.Expand()
	require.Len(t, sets, 2)
	assert.Equal(t, "b", sets[0]["BASE"])
	assert.Equal(t, "10", sets[0]["SIZE"])
	assert.Equal(t, "1000", sets[1]["SIZE"])
}
