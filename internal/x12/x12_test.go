package x12

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/record"
)

const isa = "ISA*00*          *00*          *ZZ*SUBMITTER      *ZZ*RECEIVER       *200101*1253*^*00501*000000905*0*T*:~"

func readAll(t *testing.T, in, term string) ([]*record.Record, error) {
	t.Helper()
	s := NewScanner(strings.NewReader(in), term)
	var out []*record.Record
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestScanner_DetectsDelimitersFromISA(t *testing.T) {
	require.Len(t, isa, isaLen)

	in := isa + "\r\nGS*HC*S*R*20200101*1253*1*X*005010X222A1~\r\n  ST*837*0001~SE*2*0001~\nGE*1*1~IEA*1*000000905~\r\n"
	recs, err := readAll(t, in, "")
	require.NoError(t, err)
	require.Len(t, recs, 6)

	assert.Equal(t, "ISA", recs[0].At(0))
	assert.Equal(t, "000000905", recs[0].At(13))
	gs := recs[1]
	v, ok := gs.Value("Segment")
	require.True(t, ok)
	assert.Equal(t, "GS", v)
	v, _ = gs.Value("Elem006")
	assert.Equal(t, "1", v)
	assert.Equal(t, "ST", recs[2].At(0))
}

func TestScanner_ConfiguredTerminator(t *testing.T) {
	in := strings.Replace(isa, "~", "!", 1) + "\nGS*HC!GE*1*1!"
	s := NewScanner(strings.NewReader(in), "!\r\n")
	var ids []string
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, rec.At(0))
	}
	assert.Equal(t, []string{"ISA", "GS", "GE"}, ids)
	assert.Equal(t, byte('*'), s.Delimiters().Element)
}

func TestScanner_Malformed(t *testing.T) {
	cases := map[string]struct {
		in   string
		want error
	}{
		"no isa":       {in: "GS*HC~", want: ErrNoInterchange},
		"bad id":       {in: isa + "g$*1~", want: ErrMalformed},
		"unterminated": {in: isa + "GS*HC*S", want: ErrMalformed},
		"short isa":    {in: "ISA*00*", want: ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readAll(t, tc.in, "")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestScanner_EmptyInput(t *testing.T) {
	recs, err := readAll(t, " \n\r\n", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWriter_RoundTrip(t *testing.T) {
	in := isa + "\nGS*HC*S*R~\nCLM*A1*1200.50~\n"
	recs, err := readAll(t, in, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewWriter(&buf, Delimiters{Element: '*', Segment: "~\n"}, nil)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, in, buf.String())
}

func TestNewSegment(t *testing.T) {
	seg := NewSegment("GE", "4", "1")
	assert.Equal(t, "GE*4*1", Encode(seg, '*'))
	v, ok := seg.Value("Elem002")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, int64(0), seg.SeqNo)
}

func TestWriter_FollowsDetectedSeparator(t *testing.T) {
	in := strings.ReplaceAll(isa, "*", "|") + "\nGS|HC|S|R~\n"
	det := &Detected{}
	sc := NewScanner(strings.NewReader(in), "")
	sc.Publish(det)
	var recs []*record.Record
	for {
		rec, err := sc.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		recs = append(recs, rec)
	}
	got, ok := det.Get()
	require.True(t, ok)
	assert.Equal(t, byte('|'), got.Element)

	var buf bytes.Buffer
	w := NewWriter(&buf, Delimiters{Segment: "~\n"}, det)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, in, buf.String())
}

func TestDetected_Element(t *testing.T) {
	var none *Detected
	assert.Equal(t, byte('*'), none.Element(""))
	assert.Equal(t, byte('*'), (&Detected{}).Element(""))

	det := &Detected{}
	det.Set(Delimiters{Element: '|', Segment: "~"})
	assert.Equal(t, byte('|'), det.Element(""))
	assert.Equal(t, byte('^'), det.Element("^"))
}
