package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conveyor/internal/cluster"
	"conveyor/internal/record"
)

const testISA = "ISA*00*          *00*          *ZZ*SUBMITTER      *ZZ*RECEIVER       *200101*1253*^*00501*000000905*0*T*:~"

func init() {
	RegisterApp("split-test", func() App {
		return App{
			Cluster: cluster.Config{
				Marker:              func(rec, _ *record.Record, _ int64) bool { return rec.At(0) == "ST" },
				MarkerStartsCluster: true,
			},
			Transform: func(_ context.Context, c *record.Cluster) (*record.Cluster, error) { return c, nil },
			Router: func(c *record.Cluster) int {
				first := c.Record(0)
				if first.At(0) == "ST" && strings.HasSuffix(first.At(2), "1") {
					return 1
				}
				return 0
			},
			Lanes: []string{"even", "odd"},
		}
	})
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCompile_RunsFileToFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	input := filepath.Join(dir, "in", "claims.txt")
	writeFile(t, input, testISA+"\nGS*HC*S*R~\nST*837*0001~SE*2*0001~\nST*837*0002~SE*2*0002~\nGE*2*1~IEA*1*000000905~\n")
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), `
schema_version: v1
app: split-test
source:
  kind: file
transform:
  concurrency: 3
lanes:
  - path: out/{name}_even{ext}
  - name: odd
    path: out/{name}_odd{ext}
    segment_terminator: "~\n"
`)

	job, err := Compile(filepath.Join(dir, "pipeline.yaml"), Overrides{Input: input})
	require.NoError(t, err)
	assert.Equal(t, input, job.Input)
	assert.Equal(t, 2, job.Lanes())

	res := job.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "3 clusters written (completed)", job.Summary(res))

	even, err := os.ReadFile(filepath.Join(dir, "out", "claims_even.txt"))
	require.NoError(t, err)
	assert.Equal(t, testISA+"\r\nGS*HC*S*R~\r\nST*837*0002~\r\nSE*2*0002~\r\nGE*2*1~\r\nIEA*1*000000905~\r\n", string(even))

	odd, err := os.ReadFile(filepath.Join(dir, "out", "claims_odd.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ST*837*0001~\nSE*2*0001~\n", string(odd))
}

func TestCompile_LanesKeepInputSeparator(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	piped := strings.ReplaceAll(testISA, "*", "|")
	input := filepath.Join(dir, "piped.x12")
	writeFile(t, input, piped+"\nGS|HC|S|R~\nST|837|0001~SE|2|0001~\nST|837|0002~SE|2|0002~\nGE|2|1~IEA|1|000000905~\n")
	writeFile(t, filepath.Join(dir, "pipeline.yaml"), `
app: split-test
lanes:
  - path: out/{name}_even{ext}
  - path: out/{name}_odd{ext}
    element_separator: "*"
`)

	job, err := Compile(filepath.Join(dir, "pipeline.yaml"), Overrides{Input: input})
	require.NoError(t, err)
	res := job.Run(context.Background())
	require.NoError(t, res.Err)

	even, err := os.ReadFile(filepath.Join(dir, "out", "piped_even.x12"))
	require.NoError(t, err)
	assert.Equal(t, piped+"\r\nGS|HC|S|R~\r\nST|837|0002~\r\nSE|2|0002~\r\nGE|2|1~\r\nIEA|1|000000905~\r\n", string(even))

	odd, err := os.ReadFile(filepath.Join(dir, "out", "piped_odd.x12"))
	require.NoError(t, err)
	assert.Equal(t, "ST*837*0001~\r\nSE*2*0001~\r\n", string(odd))
}

func TestCompile_Rejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"unknown app": {
			yaml: "app: nope\nlanes: [{path: a}]\n",
			want: `unknown app "nope"`,
		},
		"lane count": {
			yaml: "app: split-test\nlanes: [{path: a}]\n",
			want: "routes to 2 lanes, pipeline declares 1",
		},
		"deferral": {
			yaml: "app: split-test\nclustering: {deferral: later}\nlanes: [{path: a}, {path: b}]\n",
			want: "clustering.deferral",
		},
		"policy": {
			yaml: "app: split-test\ntransform: {error_policy: retry}\nlanes: [{path: a}, {path: b}]\n",
			want: "transform.error_policy",
		},
		"sink kind": {
			yaml: "app: split-test\nsource: {path: in.x12}\nlanes: [{path: a}, {kind: s3}]\n",
			want: `unknown sink "s3"`,
		},
		"no input": {
			yaml: "app: split-test\nlanes: [{path: a}, {path: b}]\n",
			want: "no input path",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "pipeline.yaml")
			writeFile(t, path, tc.yaml)
			_, err := Compile(path, Overrides{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "out/claims_low.x12", placeholders("/in/claims.x12")("out/{name}_low{ext}"))
	assert.Equal(t, "stream_high.x12", placeholders("")("{name}_high{ext}"))
}
